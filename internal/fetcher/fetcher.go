package fetcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailarchive/backend/internal/archive"
	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/mailparse"
	"mailarchive/backend/internal/monitoring"
)

// Config 获取周期的行为配置。
type Config struct {
	// ThrowOutSpam 为 true 时跳过 X-Spam-Flag 标记的邮件，不归档。
	ThrowOutSpam bool
	// Timeout 限制单个获取周期的总时长，0 表示不限制。
	// 超时在消息之间协作式检查，不会打断进行中的单条传输。
	Timeout time.Duration
}

// Result 汇总一次获取周期的处理情况。
type Result struct {
	Found      int // 检索命中的消息数
	Archived   int // 新归档的邮件数
	Duplicates int // 已在索引中的重复邮件数
	Skipped    int // 因错误或垃圾邮件策略跳过的消息数
}

// Fetcher 对单个邮箱执行完整的获取周期：
// 连接、认证、选定文件夹、检索、逐条取回并归档。
//
// 故障按层次归类：账户级故障（连接、认证）标记账户不健康，
// 邮箱级故障（选择、检索）标记邮箱不健康，单条消息的失败
// 只跳过该消息。周期成功结束时账户和邮箱都标记为健康，
// 此前的不健康状态自动痊愈。
type Fetcher struct {
	store   domain.Store
	dialer  Dialer
	parser  *mailparse.Parser
	writer  *archive.Writer
	metrics *monitoring.Metrics
	cfg     Config
	logger  *zap.Logger
}

// New 创建获取器。metrics 可以为 nil。
func New(
	store domain.Store,
	dialer Dialer,
	parser *mailparse.Parser,
	writer *archive.Writer,
	metrics *monitoring.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Fetcher {
	return &Fetcher{
		store:   store,
		dialer:  dialer,
		parser:  parser,
		writer:  writer,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
}

// FetchMailbox 对 mailbox 执行一次获取周期。
// criterion 为空时使用邮箱自己配置的条件。
func (f *Fetcher) FetchMailbox(ctx context.Context, mailbox *domain.Mailbox, criterion domain.FetchCriterion) (*Result, error) {
	start := time.Now()

	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	if criterion == "" {
		criterion = mailbox.Criterion
	}
	if criterion == "" {
		criterion = domain.CriterionAll
	}

	account := mailbox.Account
	if account == nil {
		var err error
		account, err = f.store.GetAccount(mailbox.AccountID)
		if err != nil {
			return nil, err
		}
	}

	logger := f.logger.With(
		zap.String("account", account.Address),
		zap.String("mailbox", mailbox.Name),
		zap.String("criterion", string(criterion)),
	)

	session, err := f.dialer.Dial(account)
	if err != nil {
		f.markAccount(account.ID, false, err)
		f.metrics.RecordFetchCycle("account_error", time.Since(start))
		logger.Error("fetch cycle failed before reaching mailbox", zap.Error(err))
		return nil, err
	}
	defer func() {
		// 拆线失败不影响周期结果
		if cerr := session.Close(); cerr != nil {
			logger.Debug("session teardown failed", zap.Error(cerr))
		}
	}()

	if err := session.Select(mailbox.Name); err != nil {
		f.markMailbox(mailbox.ID, false, err)
		f.metrics.RecordFetchCycle("mailbox_error", time.Since(start))
		logger.Error("failed to select mailbox", zap.Error(err))
		return nil, err
	}

	ids, err := session.Search(criterion, time.Now())
	if err != nil {
		f.markMailbox(mailbox.ID, false, err)
		f.metrics.RecordFetchCycle("mailbox_error", time.Since(start))
		logger.Error("failed to search mailbox", zap.Error(err))
		return nil, err
	}

	result := &Result{Found: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			f.metrics.RecordFetchCycle("cancelled", time.Since(start))
			logger.Warn("fetch cycle interrupted",
				zap.Int("processed", result.Archived+result.Duplicates+result.Skipped),
				zap.Error(err))
			return result, err
		}
		f.processMessage(session, mailbox, id, result, logger)
	}

	f.markAccount(account.ID, true, nil)
	f.markMailbox(mailbox.ID, true, nil)
	if err := f.store.SetAccountFetched(account.ID); err != nil {
		logger.Warn("failed to record fetch timestamp", zap.Error(err))
	}

	f.metrics.RecordFetchCycle("success", time.Since(start))
	logger.Info("fetch cycle completed",
		zap.Int("found", result.Found),
		zap.Int("archived", result.Archived),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// processMessage 处理单条消息，失败只跳过这一条。
func (f *Fetcher) processMessage(session Session, mailbox *domain.Mailbox, id uint32, result *Result, logger *zap.Logger) {
	raw, err := session.FetchRaw(id)
	if err != nil {
		result.Skipped++
		f.metrics.RecordMessageSkipped("fetch")
		logger.Warn("failed to fetch message, skipping", zap.Uint32("id", id), zap.Error(err))
		return
	}

	parsed, err := f.parser.Parse(raw)
	if err != nil {
		result.Skipped++
		f.metrics.RecordMessageSkipped("parse")
		logger.Warn("failed to parse message, skipping", zap.Uint32("id", id), zap.Error(err))
		return
	}

	if parsed.IsSpam && f.cfg.ThrowOutSpam {
		result.Skipped++
		f.metrics.RecordMessageSkipped("spam")
		logger.Debug("skipping spam message", zap.String("messageId", parsed.MessageID))
		return
	}

	email, created, err := f.writer.Insert(parsed, mailbox)
	if err != nil {
		result.Skipped++
		f.metrics.RecordMessageSkipped("store")
		logger.Error("failed to archive message, skipping",
			zap.String("messageId", parsed.MessageID),
			zap.Error(err))
		return
	}

	if created {
		result.Archived++
		f.metrics.RecordEmailArchived()

		var attachmentBytes int64
		if mailbox.SaveAttachments {
			for _, att := range parsed.Attachments {
				attachmentBytes += int64(len(att.Content))
			}
		}
		var emlBytes int64
		if email.EMLFilepath != nil {
			emlBytes = int64(len(parsed.Raw))
		}
		f.metrics.RecordStoredBytes(attachmentBytes, emlBytes)
	} else {
		result.Duplicates++
		f.metrics.RecordEmailDuplicate()
	}
}

func (f *Fetcher) markAccount(id string, healthy bool, cause error) {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := f.store.SetAccountHealth(id, &healthy, lastError); err != nil {
		f.logger.Error("failed to update account health", zap.String("accountId", id), zap.Error(err))
	}
}

func (f *Fetcher) markMailbox(id string, healthy bool, cause error) {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := f.store.SetMailboxHealth(id, &healthy, lastError); err != nil {
		f.logger.Error("failed to update mailbox health", zap.String("mailboxId", id), zap.Error(err))
	}
}
