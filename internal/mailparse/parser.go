package mailparse

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"mailarchive/backend/internal/domain"
)

// mentionHeaders 把地址头映射到通讯人角色。
var mentionHeaders = []struct {
	header  string
	mention domain.Mention
}{
	{"From", domain.MentionFrom},
	{"To", domain.MentionTo},
	{"Cc", domain.MentionCc},
	{"Bcc", domain.MentionBcc},
	{"Sender", domain.MentionSender},
	{"Reply-To", domain.MentionReplyTo},
}

// Correspondent 是从邮件头解析出的一个 (地址, 名字, 角色) 三元组。
type Correspondent struct {
	Address string
	Name    string
	Mention domain.Mention
}

// Attachment 是解析出的一个待保存附件。
type Attachment struct {
	FileName           string
	ContentType        string
	ContentDisposition string
	Content            []byte
}

// MailingList 是 List-Id 头存在时捕获的邮件列表元数据。
type MailingList struct {
	ListID          string
	ListOwner       *string
	ListSubscribe   *string
	ListUnsubscribe *string
	ListPost        *string
	ListHelp        *string
	ListArchive     *string
}

// Email 是一封邮件的完整解析结果，后续归档只依赖这个结构。
type Email struct {
	MessageID          string
	GeneratedMessageID bool // Message-ID 头缺失，由内容摘要生成
	Subject            string
	Date               time.Time
	BodyText           string
	BodyHTML           string
	InReplyTo          string
	IsSpam             bool
	DataSize           int64
	Raw                []byte

	Correspondents []Correspondent
	Attachments    []Attachment
	MailingList    *MailingList
}

// Parser 将原始邮件字节解析为结构化结果。
//
// 解析尽最大努力：单个头或部件畸形时记录日志并继续，
// 只有整个字节流在结构上不可读时才返回错误。
type Parser struct {
	savePrefixes []string
	skipSuffixes []string
	logger       *zap.Logger
}

// Options 控制附件的取舍策略。
type Options struct {
	// SaveContentTypePrefixes 列出即使没有 attachment disposition
	// 也按附件保存的 content-type 前缀，如 "application/pdf"。
	SaveContentTypePrefixes []string
	// SkipContentTypeSuffixes 列出永不保存的 content-type 后缀，
	// 如 "pkcs7-signature"。
	SkipContentTypeSuffixes []string
}

// NewParser 创建邮件解析器。
func NewParser(opts Options, logger *zap.Logger) *Parser {
	return &Parser{
		savePrefixes: opts.SaveContentTypePrefixes,
		skipSuffixes: opts.SkipContentTypeSuffixes,
		logger:       logger,
	}
}

// Parse 解析一封原始邮件。
func (p *Parser) Parse(raw []byte) (*Email, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to read message envelope: %w", err)
	}

	email := &Email{
		Subject:   envelope.GetHeader("Subject"),
		BodyText:  envelope.Text,
		BodyHTML:  envelope.HTML,
		InReplyTo: strings.TrimSpace(envelope.GetHeader("In-Reply-To")),
		DataSize:  int64(len(raw)),
		Raw:       raw,
	}

	email.MessageID, email.GeneratedMessageID = p.messageID(envelope, raw)
	email.Date = p.date(envelope)
	email.IsSpam = strings.Contains(strings.ToUpper(envelope.GetHeader("X-Spam-Flag")), "YES")
	email.Correspondents = p.correspondents(envelope)
	email.Attachments = p.attachments(envelope)
	email.MailingList = p.mailingList(envelope)

	return email, nil
}

// messageID 返回邮件的 Message-ID；头缺失时由整封邮件的 MD5 摘要生成，
// 保证同一字节流重复获取时仍然幂等。
func (p *Parser) messageID(envelope *enmime.Envelope, raw []byte) (string, bool) {
	id := strings.TrimSpace(envelope.GetHeader("Message-Id"))
	if id != "" {
		return id, false
	}

	sum := md5.Sum(raw)
	generated := hex.EncodeToString(sum[:])
	p.logger.Warn("message has no Message-ID header, generated one from content digest",
		zap.String("messageId", generated))
	return generated, true
}

// date 解析 Date 头，缺失或畸形时回退到当前时间。
func (p *Parser) date(envelope *enmime.Envelope) time.Time {
	raw := envelope.GetHeader("Date")
	if raw != "" {
		if parsed, err := mail.ParseDate(raw); err == nil {
			return parsed
		}
		p.logger.Warn("unparseable Date header, falling back to current time",
			zap.String("date", raw))
	}
	return time.Now().UTC()
}

// correspondents 从所有地址头收集 (地址, 名字, 角色) 三元组。
// 单个头解析失败只跳过该头，没有 @ 的地址记录警告但原样保留，
// 由归档层决定如何处理。
func (p *Parser) correspondents(envelope *enmime.Envelope) []Correspondent {
	var result []Correspondent
	for _, mh := range mentionHeaders {
		if envelope.GetHeader(mh.header) == "" {
			continue
		}
		addresses, err := envelope.AddressList(mh.header)
		if err != nil {
			p.logger.Warn("unparseable address header, skipping",
				zap.String("header", mh.header),
				zap.Error(err))
			continue
		}
		for _, addr := range addresses {
			if !strings.Contains(addr.Address, "@") {
				p.logger.Warn("address without @ in header",
					zap.String("header", mh.header),
					zap.String("address", addr.Address))
			}
			result = append(result, Correspondent{
				Address: addr.Address,
				Name:    addr.Name,
				Mention: mh.mention,
			})
		}
	}
	return result
}

// attachments 从所有 MIME 部件中收集需要保存的附件。
//
// 保存条件：部件带 attachment disposition 时一律保存；否则要求
// content-type 命中保存前缀列表（如内联 PDF）且不命中跳过后缀列表
// （如签名部件）。没有文件名的部件用内容摘要加子类型命名。
func (p *Parser) attachments(envelope *enmime.Envelope) []Attachment {
	candidates := make([]*enmime.Part, 0,
		len(envelope.Attachments)+len(envelope.Inlines)+len(envelope.OtherParts))
	candidates = append(candidates, envelope.Attachments...)
	candidates = append(candidates, envelope.Inlines...)
	candidates = append(candidates, envelope.OtherParts...)

	var result []Attachment
	for _, part := range candidates {
		contentType := strings.ToLower(part.ContentType)

		if part.Disposition != "attachment" &&
			(!p.saveType(contentType) || p.skipType(contentType)) {
			continue
		}
		if len(part.Content) == 0 {
			continue
		}

		fileName := strings.TrimSpace(part.FileName)
		if fileName == "" {
			fileName = fallbackFileName(part.Content, contentType)
			p.logger.Debug("attachment without filename, generated one",
				zap.String("fileName", fileName),
				zap.String("contentType", contentType))
		}

		result = append(result, Attachment{
			FileName:           fileName,
			ContentType:        part.ContentType,
			ContentDisposition: part.Disposition,
			Content:            part.Content,
		})
	}
	return result
}

func (p *Parser) saveType(contentType string) bool {
	for _, prefix := range p.savePrefixes {
		if strings.HasPrefix(contentType, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func (p *Parser) skipType(contentType string) bool {
	for _, suffix := range p.skipSuffixes {
		if strings.HasSuffix(contentType, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

// fallbackFileName 用内容的 MD5 摘要加 content-type 子类型构造文件名。
func fallbackFileName(content []byte, contentType string) string {
	sum := md5.Sum(content)
	name := hex.EncodeToString(sum[:])
	if _, subtype, ok := strings.Cut(contentType, "/"); ok && subtype != "" {
		// "application/pdf; name=x" 之类的参数不进入扩展名
		if idx := strings.IndexByte(subtype, ';'); idx >= 0 {
			subtype = subtype[:idx]
		}
		name += "." + strings.TrimSpace(subtype)
	}
	return name
}

// mailingList 在 List-Id 头存在时捕获全部 List-* 元数据。
func (p *Parser) mailingList(envelope *enmime.Envelope) *MailingList {
	listID := strings.TrimSpace(envelope.GetHeader("List-Id"))
	if listID == "" {
		return nil
	}
	return &MailingList{
		ListID:          listID,
		ListOwner:       optionalHeader(envelope, "List-Owner"),
		ListSubscribe:   optionalHeader(envelope, "List-Subscribe"),
		ListUnsubscribe: optionalHeader(envelope, "List-Unsubscribe"),
		ListPost:        optionalHeader(envelope, "List-Post"),
		ListHelp:        optionalHeader(envelope, "List-Help"),
		ListArchive:     optionalHeader(envelope, "List-Archive"),
	}
}

func optionalHeader(envelope *enmime.Envelope, name string) *string {
	value := strings.TrimSpace(envelope.GetHeader(name))
	if value == "" {
		return nil
	}
	return &value
}
