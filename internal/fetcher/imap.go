package fetcher

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"mailarchive/backend/internal/domain"
)

// imapSession 基于 go-imap v2 客户端实现 IMAP / IMAP_SSL 会话。
type imapSession struct {
	client  *imapclient.Client
	mailbox string // 当前选定的文件夹，用于错误归类
}

func dialIMAP(account *domain.Account) (Session, error) {
	var (
		client *imapclient.Client
		err    error
	)
	if account.Protocol.UseTLS() {
		client, err = imapclient.DialTLS(account.Addr(), nil)
	} else {
		client, err = imapclient.DialStartTLS(account.Addr(), nil)
	}
	if err != nil {
		return nil, &AccountError{Op: "dial", Err: err}
	}

	if err := client.Login(account.Address, account.Password).Wait(); err != nil {
		client.Close()
		return nil, &AccountError{Op: "login", Err: err}
	}

	return &imapSession{client: client}, nil
}

func (s *imapSession) Select(mailbox string) error {
	if _, err := s.client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return &MailboxError{Op: "select", Mailbox: mailbox, Err: err}
	}
	s.mailbox = mailbox
	return nil
}

func (s *imapSession) Search(criterion domain.FetchCriterion, now time.Time) ([]uint32, error) {
	data, err := s.client.UIDSearch(searchCriteria(criterion, now), nil).Wait()
	if err != nil {
		return nil, &MailboxError{Op: "search", Mailbox: s.mailbox, Err: err}
	}

	uids := data.AllUIDs()
	ids := make([]uint32, len(uids))
	for i, uid := range uids {
		ids[i] = uint32(uid)
	}
	return ids, nil
}

func (s *imapSession) FetchRaw(id uint32) ([]byte, error) {
	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(id))

	// Peek: 归档不应把消息标记为已读
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message uid %d not found", id)
	}

	for {
		item := msg.Next()
		if item == nil {
			break
		}
		section, ok := item.(imapclient.FetchItemDataBodySection)
		if !ok {
			continue
		}
		raw, err := io.ReadAll(section.Literal)
		if err != nil {
			return nil, fmt.Errorf("failed to read message uid %d: %w", id, err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("message uid %d has no body section", id)
}

func (s *imapSession) Close() error {
	// LOGOUT 失败无关紧要，连接总是要关
	_ = s.client.Logout().Wait()
	return s.client.Close()
}
