package fetcher

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"mailarchive/backend/internal/domain"
)

// Session 是一条已认证的邮件服务器会话。
//
// 故障分类约定：Select 和 Search 返回 *MailboxError，
// 消息级的 FetchRaw 返回普通错误，由调用方决定跳过还是中止。
// Close 是尽力而为的拆线，调用方吞掉它的错误。
type Session interface {
	// Select 选定远程文件夹。POP3 没有文件夹概念，实现为空操作。
	Select(mailbox string) error
	// Search 按条件检索消息标识。POP3 不支持服务端过滤，忽略条件返回全部。
	Search(criterion domain.FetchCriterion, now time.Time) ([]uint32, error)
	// FetchRaw 取回单条消息的完整原始字节。
	FetchRaw(id uint32) ([]byte, error)
	// Close 结束会话并断开连接。
	Close() error
}

// Dialer 为账户建立已认证的会话。
// 连接或认证失败返回 *AccountError。
type Dialer interface {
	Dial(account *domain.Account) (Session, error)
}

// NewDialer 根据账户协议返回对应的拨号实现。
type protocolDialer struct{}

// NewProtocolDialer 创建按协议分派的拨号器。
func NewProtocolDialer() Dialer {
	return &protocolDialer{}
}

func (d *protocolDialer) Dial(account *domain.Account) (Session, error) {
	switch {
	case account.Protocol.IsIMAP():
		return dialIMAP(account)
	case account.Protocol.IsPOP3():
		return dialPOP3(account)
	default:
		return nil, &AccountError{
			Op:  "dial",
			Err: fmt.Errorf("unsupported protocol %q", account.Protocol),
		}
	}
}

// recentFlag 不在 go-imap 的预定义标志里，IMAP4rev2 已将其废弃，
// 但旧服务器仍然支持。
const recentFlag = imap.Flag("\\Recent")

// searchCriteria 把获取条件翻译为 IMAP SEARCH 条件。
//
// 标志类条件映射到 Flag/NotFlag，时间类条件映射为 SENTSINCE。
// IMAP 检索只认日期不认时间，时间窗口按整天截断。
func searchCriteria(criterion domain.FetchCriterion, now time.Time) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}

	switch criterion {
	case domain.CriterionAll, "":
		// 无过滤
	case domain.CriterionRecent:
		criteria.Flag = []imap.Flag{recentFlag}
	case domain.CriterionUnseen:
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	case domain.CriterionNew:
		criteria.Flag = []imap.Flag{recentFlag}
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	case domain.CriterionOld:
		criteria.NotFlag = []imap.Flag{recentFlag}
	case domain.CriterionFlagged:
		criteria.Flag = []imap.Flag{imap.FlagFlagged}
	case domain.CriterionDraft:
		criteria.Flag = []imap.Flag{imap.FlagDraft}
	case domain.CriterionAnswered:
		criteria.Flag = []imap.Flag{imap.FlagAnswered}
	case domain.CriterionDaily, domain.CriterionWeekly, domain.CriterionMonthly, domain.CriterionAnnually:
		cutoff := now.Add(-criterion.SentSinceWindow())
		criteria.SentSince = time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, cutoff.Location())
	}

	return criteria
}
