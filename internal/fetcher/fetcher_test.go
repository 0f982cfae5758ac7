package fetcher

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailarchive/backend/internal/archive"
	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/mailparse"
	"mailarchive/backend/internal/storage/memory"
	"mailarchive/backend/internal/storage/shard"
)

// fakeSession 是可编程的测试会话。
type fakeSession struct {
	selectErr error
	searchErr error
	messages  map[uint32][]byte
	fetchErrs map[uint32]error
	closed    bool
}

func (s *fakeSession) Select(string) error { return s.selectErr }

func (s *fakeSession) Search(domain.FetchCriterion, time.Time) ([]uint32, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	ids := make([]uint32, 0, len(s.messages)+len(s.fetchErrs))
	for id := range s.messages {
		ids = append(ids, id)
	}
	for id := range s.fetchErrs {
		ids = append(ids, id)
	}
	// 稳定顺序
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	return ids, nil
}

func (s *fakeSession) FetchRaw(id uint32) ([]byte, error) {
	if err, ok := s.fetchErrs[id]; ok {
		return nil, err
	}
	return s.messages[id], nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeDialer 返回固定会话或失败。
type fakeDialer struct {
	session Session
	err     error
}

func (d *fakeDialer) Dial(*domain.Account) (Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

type fetcherFixture struct {
	store   *memory.Store
	mailbox *domain.Mailbox
	account *domain.Account
}

func newFetcherFixture(t *testing.T) *fetcherFixture {
	t.Helper()
	store := memory.NewStore()

	account := &domain.Account{
		Address:  "user@example.com",
		Host:     "imap.example.com",
		Port:     993,
		Protocol: domain.ProtocolIMAPSSL,
	}
	require.NoError(t, store.SaveAccount(account))

	mailbox := &domain.Mailbox{
		AccountID:       account.ID,
		Name:            "INBOX",
		SaveAttachments: true,
		SaveToEML:       true,
		Criterion:       domain.CriterionAll,
	}
	require.NoError(t, store.SaveMailbox(mailbox))

	return &fetcherFixture{store: store, mailbox: mailbox, account: account}
}

func (f *fetcherFixture) newFetcher(t *testing.T, dialer Dialer, cfg Config) *Fetcher {
	t.Helper()
	allocator, err := shard.NewAllocator(f.store, t.TempDir(), 1000, zap.NewNop())
	require.NoError(t, err)

	parser := mailparse.NewParser(mailparse.Options{}, zap.NewNop())
	writer := archive.NewWriter(f.store, allocator, zap.NewNop())
	return New(f.store, dialer, parser, writer, nil, cfg, zap.NewNop())
}

func rawMessage(n int, extraHeaders ...string) []byte {
	lines := []string{
		"From: Alice <alice@example.com>",
		"To: bob@example.com",
		fmt.Sprintf("Subject: message %d", n),
		fmt.Sprintf("Message-ID: <msg-%d@example.com>", n),
		"Date: Mon, 02 Jan 2023 15:04:05 +0000",
	}
	lines = append(lines, extraHeaders...)
	lines = append(lines, "", fmt.Sprintf("body of message %d", n))
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestFetchMailboxSuccess(t *testing.T) {
	f := newFetcherFixture(t)
	session := &fakeSession{messages: map[uint32][]byte{
		1: rawMessage(1),
		2: rawMessage(2),
		3: rawMessage(3),
	}}
	fetcher := f.newFetcher(t, &fakeDialer{session: session}, Config{})

	result, err := fetcher.FetchMailbox(context.Background(), f.mailbox, "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Found)
	assert.Equal(t, 3, result.Archived)
	assert.Equal(t, 0, result.Skipped)
	assert.True(t, session.closed)

	// 账户和邮箱标记为健康，获取时间已记录
	account, err := f.store.GetAccount(f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Healthy())
	assert.NotNil(t, account.LastFetchedAt)

	mailbox, err := f.store.GetMailbox(f.mailbox.ID)
	require.NoError(t, err)
	assert.True(t, mailbox.Healthy())
}

func TestFetchMailboxIdempotentRefetch(t *testing.T) {
	f := newFetcherFixture(t)
	session := &fakeSession{messages: map[uint32][]byte{1: rawMessage(1)}}
	fetcher := f.newFetcher(t, &fakeDialer{session: session}, Config{})

	first, err := fetcher.FetchMailbox(context.Background(), f.mailbox, "")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Archived)

	second, err := fetcher.FetchMailbox(context.Background(), f.mailbox, "")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Archived)
	assert.Equal(t, 1, second.Duplicates)
}

func TestFetchMailboxDialFailureMarksAccount(t *testing.T) {
	f := newFetcherFixture(t)
	dialErr := &AccountError{Op: "login", Err: fmt.Errorf("authentication failed")}
	fetcher := f.newFetcher(t, &fakeDialer{err: dialErr}, Config{})

	_, err := fetcher.FetchMailbox(context.Background(), f.mailbox, "")
	require.Error(t, err)

	accErr, ok := AsAccountError(err)
	require.True(t, ok)
	assert.Equal(t, "login", accErr.Op)

	account, err := f.store.GetAccount(f.account.ID)
	require.NoError(t, err)
	require.NotNil(t, account.IsHealthy)
	assert.False(t, *account.IsHealthy)
	assert.Contains(t, account.LastError, "authentication failed")

	// 邮箱健康状态未被触碰
	mailbox, err := f.store.GetMailbox(f.mailbox.ID)
	require.NoError(t, err)
	assert.Nil(t, mailbox.IsHealthy)
}

func TestFetchMailboxSelectFailureMarksMailbox(t *testing.T) {
	f := newFetcherFixture(t)
	session := &fakeSession{
		selectErr: &MailboxError{Op: "select", Mailbox: "INBOX", Err: fmt.Errorf("no such folder")},
	}
	fetcher := f.newFetcher(t, &fakeDialer{session: session}, Config{})

	_, err := fetcher.FetchMailbox(context.Background(), f.mailbox, "")
	require.Error(t, err)

	_, ok := AsMailboxError(err)
	assert.True(t, ok)

	mailbox, err := f.store.GetMailbox(f.mailbox.ID)
	require.NoError(t, err)
	require.NotNil(t, mailbox.IsHealthy)
	assert.False(t, *mailbox.IsHealthy)
	assert.True(t, session.closed, "session must be torn down even on failure")
}

func TestFetchMailboxPartialFailureIsolated(t *testing.T) {
	f := newFetcherFixture(t)
	session := &fakeSession{
		messages: map[uint32][]byte{
			1: rawMessage(1),
			3: rawMessage(3),
		},
		fetchErrs: map[uint32]error{
			2: fmt.Errorf("connection reset"),
		},
	}
	fetcher := f.newFetcher(t, &fakeDialer{session: session}, Config{})

	result, err := fetcher.FetchMailbox(context.Background(), f.mailbox, "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Found)
	assert.Equal(t, 2, result.Archived)
	assert.Equal(t, 1, result.Skipped)

	// 其余消息的失败不影响周期整体健康
	account, err := f.store.GetAccount(f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Healthy())
}

func TestFetchMailboxThrowOutSpam(t *testing.T) {
	f := newFetcherFixture(t)
	session := &fakeSession{messages: map[uint32][]byte{
		1: rawMessage(1),
		2: rawMessage(2, "X-Spam-Flag: YES"),
	}}
	fetcher := f.newFetcher(t, &fakeDialer{session: session}, Config{ThrowOutSpam: true})

	result, err := fetcher.FetchMailbox(context.Background(), f.mailbox, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.Skipped)

	// 垃圾邮件没有进入索引
	_, err = f.store.GetEmailByMessageID(f.account.ID, "<msg-2@example.com>")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchMailboxHealthSelfHeals(t *testing.T) {
	f := newFetcherFixture(t)

	// 先制造一次账户级失败
	dialErr := &AccountError{Op: "dial", Err: fmt.Errorf("network unreachable")}
	failing := f.newFetcher(t, &fakeDialer{err: dialErr}, Config{})
	_, err := failing.FetchMailbox(context.Background(), f.mailbox, "")
	require.Error(t, err)

	account, err := f.store.GetAccount(f.account.ID)
	require.NoError(t, err)
	assert.False(t, account.Healthy())

	// 随后的成功周期让健康状态痊愈
	session := &fakeSession{messages: map[uint32][]byte{1: rawMessage(1)}}
	working := f.newFetcher(t, &fakeDialer{session: session}, Config{})
	_, err = working.FetchMailbox(context.Background(), f.mailbox, "")
	require.NoError(t, err)

	account, err = f.store.GetAccount(f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Healthy())
}

func TestFetchMailboxCancelledContext(t *testing.T) {
	f := newFetcherFixture(t)
	session := &fakeSession{messages: map[uint32][]byte{1: rawMessage(1)}}
	fetcher := f.newFetcher(t, &fakeDialer{session: session}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := fetcher.FetchMailbox(ctx, f.mailbox, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.Archived)
}
