package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/fetcher"
	"mailarchive/backend/internal/monitoring"
)

// Daemon 是一个邮箱的后台轮询进程的运行时实体。
//
// 运行循环按固定间隔执行获取周期。周期内的 panic 和错误不会
// 终止守护进程：记录严重级别日志、等待重启延迟后继续下一轮。
// 停止是协作式的，在周期之间检查，不打断进行中的周期。
type Daemon struct {
	mailboxID string
	store     domain.Store
	fetcher   *fetcher.Fetcher
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	cycleInterval time.Duration
	restartTime   time.Duration
	criterion     domain.FetchCriterion
}

// New 根据持久化记录创建守护进程运行时。
func New(record *domain.Daemon, store domain.Store, f *fetcher.Fetcher, metrics *monitoring.Metrics, logger *zap.Logger) *Daemon {
	return &Daemon{
		mailboxID:     record.MailboxID,
		store:         store,
		fetcher:       f,
		metrics:       metrics,
		logger:        logger.With(zap.String("mailboxId", record.MailboxID)),
		cycleInterval: record.CycleDuration(),
		restartTime:   record.RestartDuration(),
		criterion:     record.Criterion,
	}
}

// MailboxID 返回守护进程负责的邮箱 ID。
func (d *Daemon) MailboxID() string {
	return d.mailboxID
}

// Start 启动运行循环。已在运行时是空操作，返回 false。
func (d *Daemon) Start() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return false
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go d.run(d.stopCh, d.doneCh)
	d.logger.Info("daemon started",
		zap.Duration("cycleInterval", d.cycleInterval),
		zap.String("criterion", string(d.criterion)))
	return true
}

// Stop 请求停止并等待运行循环退出。未运行时返回 false。
func (d *Daemon) Stop() bool {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return false
	}
	d.running = false
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
	d.logger.Info("daemon stopped")
	return true
}

// Running 返回运行循环是否存活。
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Update 从持久化记录重新加载轮询间隔和获取条件，下个周期生效。
func (d *Daemon) Update(record *domain.Daemon) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cycleInterval = record.CycleDuration()
	d.restartTime = record.RestartDuration()
	d.criterion = record.Criterion

	d.logger.Info("daemon configuration updated",
		zap.Duration("cycleInterval", d.cycleInterval),
		zap.String("criterion", string(d.criterion)))
}

// run 是守护进程的主循环。
func (d *Daemon) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := d.safeCycle(); err != nil {
			d.logger.Error("daemon cycle crashed, restarting after delay",
				zap.Duration("restartTime", d.currentRestartTime()),
				zap.Error(err))
			d.metrics.RecordDaemonRestart()
			if !d.sleep(stopCh, d.currentRestartTime()) {
				return
			}
			continue
		}

		if !d.sleep(stopCh, d.currentCycleInterval()) {
			return
		}
	}
}

// safeCycle 执行一个获取周期并把 panic 转换为错误。
func (d *Daemon) safeCycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordPanic()
			err = fmt.Errorf("panic in fetch cycle: %v", r)
		}
	}()
	return d.RunOnce(context.Background())
}

// RunOnce 同步执行一个获取周期并更新守护进程健康状态。
// 邮箱配置在每个周期开始时重新读取，外部修改立即生效。
func (d *Daemon) RunOnce(ctx context.Context) error {
	mailbox, err := d.store.GetMailbox(d.mailboxID)
	if err != nil {
		d.setHealth(false, fmt.Errorf("failed to load mailbox: %w", err))
		return err
	}

	if _, err := d.fetcher.FetchMailbox(ctx, mailbox, d.currentCriterion()); err != nil {
		d.setHealth(false, err)
		return err
	}

	d.setHealth(true, nil)
	return nil
}

func (d *Daemon) setHealth(healthy bool, cause error) {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := d.store.SetDaemonHealth(d.mailboxID, &healthy, lastError); err != nil {
		d.logger.Error("failed to update daemon health", zap.Error(err))
	}
}

// sleep 等待给定时长，stopCh 关闭时提前返回 false。
func (d *Daemon) sleep(stopCh <-chan struct{}, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (d *Daemon) currentCycleInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycleInterval
}

func (d *Daemon) currentRestartTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restartTime
}

func (d *Daemon) currentCriterion() domain.FetchCriterion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.criterion
}
