package daemon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailarchive/backend/internal/archive"
	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/fetcher"
	"mailarchive/backend/internal/mailparse"
	"mailarchive/backend/internal/storage/memory"
	"mailarchive/backend/internal/storage/shard"
)

// stubSession 返回空邮箱的会话。
type stubSession struct{}

func (stubSession) Select(string) error { return nil }
func (stubSession) Search(domain.FetchCriterion, time.Time) ([]uint32, error) {
	return nil, nil
}
func (stubSession) FetchRaw(uint32) ([]byte, error) { return nil, fmt.Errorf("no messages") }
func (stubSession) Close() error                    { return nil }

// scriptedDialer 按调用次数编排故障，并在每次成功拨号时发信号。
type scriptedDialer struct {
	mu         sync.Mutex
	calls      int
	failFirst  bool
	panicFirst bool
	dialed     chan struct{}
}

func (d *scriptedDialer) Dial(*domain.Account) (fetcher.Session, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()

	if d.panicFirst && n == 1 {
		panic("simulated crash")
	}
	if d.failFirst && n == 1 {
		return nil, &fetcher.AccountError{Op: "dial", Err: fmt.Errorf("network unreachable")}
	}
	if d.dialed != nil {
		select {
		case d.dialed <- struct{}{}:
		default:
		}
	}
	return stubSession{}, nil
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type daemonFixture struct {
	store   *memory.Store
	mailbox *domain.Mailbox
}

func newDaemonFixture(t *testing.T) *daemonFixture {
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
		AccountID:     account.ID,
		Name:          "INBOX",
		Criterion:     domain.CriterionAll,
		CycleInterval: 60,
	}
	require.NoError(t, store.SaveMailbox(mailbox))

	return &daemonFixture{store: store, mailbox: mailbox}
}

func (f *daemonFixture) newFetcher(t *testing.T, dialer fetcher.Dialer) *fetcher.Fetcher {
	t.Helper()
	allocator, err := shard.NewAllocator(f.store, t.TempDir(), 1000, zap.NewNop())
	require.NoError(t, err)

	parser := mailparse.NewParser(mailparse.Options{}, zap.NewNop())
	writer := archive.NewWriter(f.store, allocator, zap.NewNop())
	return fetcher.New(f.store, dialer, parser, writer, nil, fetcher.Config{}, zap.NewNop())
}

func (f *daemonFixture) newRecord(t *testing.T) *domain.Daemon {
	t.Helper()
	record := &domain.Daemon{
		MailboxID:     f.mailbox.ID,
		CycleInterval: 60,
		RestartTime:   1,
		Criterion:     domain.CriterionAll,
	}
	require.NoError(t, f.store.SaveDaemon(record))
	return record
}

func TestDaemonStartStop(t *testing.T) {
	f := newDaemonFixture(t)
	dialer := &scriptedDialer{dialed: make(chan struct{}, 1)}
	d := New(f.newRecord(t), f.store, f.newFetcher(t, dialer), nil, zap.NewNop())

	assert.True(t, d.Start())
	assert.False(t, d.Start(), "second start must be a no-op")
	assert.True(t, d.Running())

	// 等第一个周期跑完
	select {
	case <-dialer.dialed:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon never ran a cycle")
	}

	assert.True(t, d.Stop())
	assert.False(t, d.Running())
	assert.False(t, d.Stop(), "second stop must be a no-op")
}

func TestDaemonRunOnceUpdatesHealth(t *testing.T) {
	f := newDaemonFixture(t)

	t.Run("失败周期标记不健康", func(t *testing.T) {
		dialer := &scriptedDialer{failFirst: true}
		d := New(f.newRecord(t), f.store, f.newFetcher(t, dialer), nil, zap.NewNop())

		err := d.RunOnce(context.Background())
		require.Error(t, err)

		record, err := f.store.GetDaemon(f.mailbox.ID)
		require.NoError(t, err)
		require.NotNil(t, record.IsHealthy)
		assert.False(t, *record.IsHealthy)
		assert.Contains(t, record.LastError, "network unreachable")
	})

	t.Run("成功周期恢复健康", func(t *testing.T) {
		dialer := &scriptedDialer{}
		d := New(f.newRecord(t), f.store, f.newFetcher(t, dialer), nil, zap.NewNop())

		require.NoError(t, d.RunOnce(context.Background()))

		record, err := f.store.GetDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.True(t, record.Healthy())
	})
}

func TestDaemonSurvivesCrashingCycle(t *testing.T) {
	f := newDaemonFixture(t)
	dialer := &scriptedDialer{panicFirst: true, dialed: make(chan struct{}, 1)}
	d := New(f.newRecord(t), f.store, f.newFetcher(t, dialer), nil, zap.NewNop())

	require.True(t, d.Start())
	defer d.Stop()

	// 第一个周期 panic，重启延迟后第二个周期照常执行
	select {
	case <-dialer.dialed:
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not restart after a crashed cycle")
	}
	assert.GreaterOrEqual(t, dialer.callCount(), 2)
	assert.True(t, d.Running())
}

func TestRegistryLifecycle(t *testing.T) {
	f := newDaemonFixture(t)
	dialer := &scriptedDialer{}
	registry := NewRegistry(f.store, f.newFetcher(t, dialer), nil, Options{}, zap.NewNop())
	defer registry.StopAll()

	t.Run("启动创建持久化记录", func(t *testing.T) {
		started, err := registry.StartDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.True(t, started)
		assert.True(t, registry.IsRunning(f.mailbox.ID))

		record, err := f.store.GetDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.True(t, record.IsRunning)
		assert.Equal(t, fmt.Sprintf("daemon_%s.log", record.ID), record.LogFilepath)
	})

	t.Run("重复启动是空操作", func(t *testing.T) {
		started, err := registry.StartDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.False(t, started)
	})

	t.Run("停止清除运行标记", func(t *testing.T) {
		stopped, err := registry.StopDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.True(t, stopped)
		assert.False(t, registry.IsRunning(f.mailbox.ID))

		record, err := f.store.GetDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.False(t, record.IsRunning)
	})

	t.Run("重复停止是空操作", func(t *testing.T) {
		stopped, err := registry.StopDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.False(t, stopped)
	})

	t.Run("不存在的邮箱启动失败", func(t *testing.T) {
		_, err := registry.StartDaemon("no-such-mailbox")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestRegistryTestDaemon(t *testing.T) {
	f := newDaemonFixture(t)

	t.Run("成功探测不注册守护进程", func(t *testing.T) {
		registry := NewRegistry(f.store, f.newFetcher(t, &scriptedDialer{}), nil, Options{}, zap.NewNop())

		require.NoError(t, registry.TestDaemon(context.Background(), f.mailbox.ID))
		assert.False(t, registry.IsRunning(f.mailbox.ID))

		record, err := f.store.GetDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.True(t, record.Healthy())
		assert.False(t, record.IsRunning)
	})

	t.Run("失败探测返回错误并标记不健康", func(t *testing.T) {
		registry := NewRegistry(f.store, f.newFetcher(t, &scriptedDialer{failFirst: true}), nil, Options{}, zap.NewNop())

		err := registry.TestDaemon(context.Background(), f.mailbox.ID)
		require.Error(t, err)

		record, err := f.store.GetDaemon(f.mailbox.ID)
		require.NoError(t, err)
		require.NotNil(t, record.IsHealthy)
		assert.False(t, *record.IsHealthy)
	})
}

func TestRegistryStartAllAndStopAll(t *testing.T) {
	f := newDaemonFixture(t)
	dialer := &scriptedDialer{}

	// 第一个注册表启动守护进程后整体停机，运行标记保留
	first := NewRegistry(f.store, f.newFetcher(t, dialer), nil, Options{}, zap.NewNop())
	_, err := first.StartDaemon(f.mailbox.ID)
	require.NoError(t, err)
	first.StopAll()

	record, err := f.store.GetDaemon(f.mailbox.ID)
	require.NoError(t, err)
	assert.True(t, record.IsRunning, "shutdown must preserve the running flag")

	// 新注册表（模拟进程重启）按标记恢复
	second := NewRegistry(f.store, f.newFetcher(t, dialer), nil, Options{}, zap.NewNop())
	defer second.StopAll()

	started, err := second.StartAll()
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.True(t, second.IsRunning(f.mailbox.ID))
}

func TestRegistryHealthcheck(t *testing.T) {
	f := newDaemonFixture(t)
	registry := NewRegistry(f.store, f.newFetcher(t, &scriptedDialer{}), nil, Options{}, zap.NewNop())
	defer registry.StopAll()

	t.Run("一致状态通过", func(t *testing.T) {
		_, err := registry.StartDaemon(f.mailbox.ID)
		require.NoError(t, err)
		assert.NoError(t, registry.Healthcheck())
	})

	t.Run("数据库标记运行但实体缺失被检出", func(t *testing.T) {
		// 绕过注册表直接停掉运行时实体
		registry.mu.Lock()
		d := registry.daemons[f.mailbox.ID]
		delete(registry.daemons, f.mailbox.ID)
		registry.mu.Unlock()
		d.Stop()

		err := registry.Healthcheck()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "marked running but not alive")
	})

	t.Run("运行中但持久化健康标记为否被检出", func(t *testing.T) {
		_, err := registry.StartDaemon(f.mailbox.ID)
		require.NoError(t, err)

		// 等首个周期回写健康标记后再人为置否，避免被周期覆盖
		require.Eventually(t, func() bool {
			record, err := f.store.GetDaemon(f.mailbox.ID)
			return err == nil && record.IsHealthy != nil
		}, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, registry.Healthcheck())

		unhealthy := false
		require.NoError(t, f.store.SetDaemonHealth(f.mailbox.ID, &unhealthy, "connection refused"))

		err = registry.Healthcheck()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is unhealthy")
		assert.Contains(t, err.Error(), "connection refused")
	})
}
