package fetcher

import (
	"fmt"
	"time"

	"github.com/knadh/go-pop3"

	"mailarchive/backend/internal/domain"
)

// pop3Session 基于 go-pop3 实现 POP3 / POP3_SSL 会话。
//
// POP3 没有文件夹也没有服务端检索：Select 是空操作，
// Search 忽略条件返回全部消息编号。
type pop3Session struct {
	conn *pop3.Conn
}

func dialPOP3(account *domain.Account) (Session, error) {
	client := pop3.New(pop3.Opt{
		Host:       account.Host,
		Port:       account.Port,
		TLSEnabled: account.Protocol.UseTLS(),
	})

	conn, err := client.NewConn()
	if err != nil {
		return nil, &AccountError{Op: "dial", Err: err}
	}

	if err := conn.Auth(account.Address, account.Password); err != nil {
		_ = conn.Quit()
		return nil, &AccountError{Op: "login", Err: err}
	}

	return &pop3Session{conn: conn}, nil
}

func (s *pop3Session) Select(string) error {
	return nil
}

func (s *pop3Session) Search(_ domain.FetchCriterion, _ time.Time) ([]uint32, error) {
	count, _, err := s.conn.Stat()
	if err != nil {
		return nil, &MailboxError{Op: "search", Err: err}
	}

	ids := make([]uint32, 0, count)
	for i := 1; i <= count; i++ {
		ids = append(ids, uint32(i))
	}
	return ids, nil
}

func (s *pop3Session) FetchRaw(id uint32) ([]byte, error) {
	buf, err := s.conn.RetrRaw(int(id))
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve message %d: %w", id, err)
	}
	return buf.Bytes(), nil
}

func (s *pop3Session) Close() error {
	return s.conn.Quit()
}
