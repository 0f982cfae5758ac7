package domain

import "time"

// Protocol 邮件获取协议。
type Protocol string

const (
	ProtocolIMAP    Protocol = "IMAP"
	ProtocolIMAPSSL Protocol = "IMAP_SSL"
	ProtocolPOP3    Protocol = "POP3"
	ProtocolPOP3SSL Protocol = "POP3_SSL"
)

// Valid 检查协议是否受支持。
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolIMAP, ProtocolIMAPSSL, ProtocolPOP3, ProtocolPOP3SSL:
		return true
	}
	return false
}

// IsIMAP 判断是否为 IMAP 系协议。
func (p Protocol) IsIMAP() bool {
	return p == ProtocolIMAP || p == ProtocolIMAPSSL
}

// IsPOP3 判断是否为 POP3 系协议。
func (p Protocol) IsPOP3() bool {
	return p == ProtocolPOP3 || p == ProtocolPOP3SSL
}

// UseTLS 判断协议是否走隐式 TLS 连接。
func (p Protocol) UseTLS() bool {
	return p == ProtocolIMAPSSL || p == ProtocolPOP3SSL
}

// FetchCriterion 邮件获取条件。
//
// 标志类条件直接映射到 IMAP SEARCH 的标志查询（RFC 3501 §6.4.4）。
// 时间类条件（DAILY/WEEKLY/MONTHLY/ANNUALLY）映射为 SENTSINCE 查询。
// 注意 IMAP 只支持日期不支持时间，所以时间窗口总是以整天计算。
// POP3 不支持任何服务端过滤，条件被忽略，始终获取全部邮件。
type FetchCriterion string

const (
	CriterionRecent   FetchCriterion = "RECENT"
	CriterionUnseen   FetchCriterion = "UNSEEN"
	CriterionAll      FetchCriterion = "ALL"
	CriterionNew      FetchCriterion = "NEW"
	CriterionOld      FetchCriterion = "OLD"
	CriterionFlagged  FetchCriterion = "FLAGGED"
	CriterionDraft    FetchCriterion = "DRAFT"
	CriterionAnswered FetchCriterion = "ANSWERED"
	CriterionDaily    FetchCriterion = "DAILY"
	CriterionWeekly   FetchCriterion = "WEEKLY"
	CriterionMonthly  FetchCriterion = "MONTHLY"
	CriterionAnnually FetchCriterion = "ANNUALLY"
)

// Valid 检查获取条件是否受支持。
func (c FetchCriterion) Valid() bool {
	switch c {
	case CriterionRecent, CriterionUnseen, CriterionAll, CriterionNew,
		CriterionOld, CriterionFlagged, CriterionDraft, CriterionAnswered,
		CriterionDaily, CriterionWeekly, CriterionMonthly, CriterionAnnually:
		return true
	}
	return false
}

// SentSinceWindow 返回时间类条件的回溯时长。
// 标志类条件返回 0。
func (c FetchCriterion) SentSinceWindow() time.Duration {
	switch c {
	case CriterionDaily:
		return 24 * time.Hour
	case CriterionWeekly:
		return 7 * 24 * time.Hour
	case CriterionMonthly:
		return 28 * 24 * time.Hour
	case CriterionAnnually:
		return 364 * 24 * time.Hour
	}
	return 0
}

// Mention 通讯人在邮件头中出现的角色。
type Mention string

const (
	MentionFrom    Mention = "FROM"
	MentionTo      Mention = "TO"
	MentionCc      Mention = "CC"
	MentionBcc     Mention = "BCC"
	MentionSender  Mention = "SENDER"
	MentionReplyTo Mention = "REPLY_TO"
)
