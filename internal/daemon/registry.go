package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/fetcher"
	"mailarchive/backend/internal/logger"
	"mailarchive/backend/internal/monitoring"
)

// Options 控制守护进程的日志输出。
type Options struct {
	LogDir        string // 每个守护进程独立日志文件的目录
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Registry 管理所有运行中的邮箱守护进程。
//
// 运行状态双重记录：注册表里的运行时实体决定实际行为，
// 数据库里的 is_running 标记决定进程重启后哪些守护进程自动拉起。
type Registry struct {
	store   domain.Store
	fetcher *fetcher.Fetcher
	metrics *monitoring.Metrics
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	daemons map[string]*Daemon // mailboxID -> runtime
}

// NewRegistry 创建守护进程注册表。
func NewRegistry(store domain.Store, f *fetcher.Fetcher, metrics *monitoring.Metrics, opts Options, log *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		fetcher: f,
		metrics: metrics,
		opts:    opts,
		logger:  log,
		daemons: make(map[string]*Daemon),
	}
}

// StartDaemon 为邮箱启动守护进程。
// 持久化记录不存在时按邮箱配置创建。已在运行时返回 false。
func (r *Registry) StartDaemon(mailboxID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.daemons[mailboxID]; ok && existing.Running() {
		return false, nil
	}

	record, err := r.ensureRecord(mailboxID)
	if err != nil {
		return false, err
	}

	d := New(record, r.store, r.fetcher, r.metrics, r.daemonLogger(record))
	d.Start()
	r.daemons[mailboxID] = d

	record.IsRunning = true
	if err := r.store.SaveDaemon(record); err != nil {
		r.logger.Error("failed to persist daemon running state",
			zap.String("mailboxId", mailboxID),
			zap.Error(err))
	}
	r.metrics.DaemonStarted()
	return true, nil
}

// StopDaemon 停止邮箱的守护进程并清除持久化的运行标记。
// 没有运行中的守护进程时返回 false。
func (r *Registry) StopDaemon(mailboxID string) (bool, error) {
	r.mu.Lock()
	d, ok := r.daemons[mailboxID]
	if ok {
		delete(r.daemons, mailboxID)
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}

	d.Stop()
	r.metrics.DaemonStopped()

	if err := r.store.SetDaemonRunning(mailboxID, false); err != nil && err != domain.ErrNotFound {
		return true, err
	}
	return true, nil
}

// IsRunning 返回邮箱的守护进程是否在运行。
func (r *Registry) IsRunning(mailboxID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.daemons[mailboxID]
	return ok && d.Running()
}

// UpdateDaemon 把持久化记录的最新配置推送给运行中的守护进程。
// 守护进程未运行时只校验记录存在。
func (r *Registry) UpdateDaemon(mailboxID string) error {
	record, err := r.store.GetDaemon(mailboxID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	d, ok := r.daemons[mailboxID]
	r.mu.Unlock()

	if ok {
		d.Update(record)
	}
	return nil
}

// TestDaemon 用一次性的守护进程实体同步执行一个获取周期，
// 不注册也不改变运行标记。健康状态照常更新。
func (r *Registry) TestDaemon(ctx context.Context, mailboxID string) error {
	record, err := r.ensureRecord(mailboxID)
	if err != nil {
		return err
	}

	probe := New(record, r.store, r.fetcher, r.metrics, r.daemonLogger(record))
	return probe.RunOnce(ctx)
}

// StartAll 启动数据库中标记为运行的全部守护进程，返回启动数量。
// 用于进程重启后恢复之前的运行状态。
func (r *Registry) StartAll() (int, error) {
	records, err := r.store.ListRunningDaemons()
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range records {
		ok, err := r.StartDaemon(records[i].MailboxID)
		if err != nil {
			r.logger.Error("failed to autostart daemon",
				zap.String("mailboxId", records[i].MailboxID),
				zap.Error(err))
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

// StopAll 停止所有运行中的守护进程，保留持久化的运行标记，
// 进程下次启动时它们会被自动拉起。用于优雅停机。
func (r *Registry) StopAll() {
	r.mu.Lock()
	running := make([]*Daemon, 0, len(r.daemons))
	for _, d := range r.daemons {
		running = append(running, d)
	}
	r.daemons = make(map[string]*Daemon)
	r.mu.Unlock()

	for _, d := range running {
		d.Stop()
		r.metrics.DaemonStopped()
	}
	r.logger.Info("all daemons stopped", zap.Int("count", len(running)))
}

// Healthcheck 校验注册表与数据库运行标记的一致性，
// 并聚合所有登记在册守护进程的健康标记。
func (r *Registry) Healthcheck() error {
	records, err := r.store.ListRunningDaemons()
	if err != nil {
		return fmt.Errorf("failed to list running daemons: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var problems []string
	seen := make(map[string]bool, len(records))
	for i := range records {
		mailboxID := records[i].MailboxID
		seen[mailboxID] = true
		if d, ok := r.daemons[mailboxID]; !ok || !d.Running() {
			r.logger.Error("daemon marked running in database but not alive",
				zap.String("mailboxId", mailboxID))
			problems = append(problems, fmt.Sprintf("daemon for mailbox %s marked running but not alive", mailboxID))
		}
		if records[i].IsHealthy != nil && !*records[i].IsHealthy {
			r.logger.Error("daemon is unhealthy",
				zap.String("mailboxId", mailboxID),
				zap.String("lastError", records[i].LastError))
			problems = append(problems, fmt.Sprintf("daemon for mailbox %s is unhealthy: %s", mailboxID, records[i].LastError))
		}
	}
	for mailboxID, d := range r.daemons {
		if d.Running() && !seen[mailboxID] {
			r.logger.Error("daemon alive but not marked running in database",
				zap.String("mailboxId", mailboxID))
			problems = append(problems, fmt.Sprintf("daemon for mailbox %s alive but not marked running", mailboxID))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("daemon healthcheck failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ensureRecord 返回邮箱的守护进程记录，不存在时按邮箱配置创建。
func (r *Registry) ensureRecord(mailboxID string) (*domain.Daemon, error) {
	record, err := r.store.GetDaemon(mailboxID)
	if err == nil {
		return record, nil
	}
	if err != domain.ErrNotFound {
		return nil, err
	}

	mailbox, err := r.store.GetMailbox(mailboxID)
	if err != nil {
		return nil, err
	}

	record = &domain.Daemon{
		MailboxID:     mailbox.ID,
		CycleInterval: mailbox.CycleInterval,
		Criterion:     mailbox.Criterion,
	}
	if err := r.store.SaveDaemon(record); err != nil {
		return nil, err
	}

	// 日志文件名带守护进程 ID，保存后才能确定
	record.LogFilepath = fmt.Sprintf("daemon_%s.log", record.ID)
	if err := r.store.SaveDaemon(record); err != nil {
		return nil, err
	}
	return record, nil
}

// daemonLogger 为守护进程创建独立的轮转日志记录器，
// 创建失败时退回到注册表的主日志。
func (r *Registry) daemonLogger(record *domain.Daemon) *zap.Logger {
	if r.opts.LogDir == "" || record.LogFilepath == "" {
		return r.logger
	}

	fileLogger, err := logger.NewDaemonLogger(
		filepath.Join(r.opts.LogDir, record.LogFilepath),
		r.opts.LogMaxSizeMB,
		r.opts.LogMaxBackups,
	)
	if err != nil {
		r.logger.Warn("failed to create daemon log file, using main logger",
			zap.String("mailboxId", record.MailboxID),
			zap.Error(err))
		return r.logger
	}
	return fileLogger
}
