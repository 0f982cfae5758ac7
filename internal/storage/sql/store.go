package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailarchive/backend/internal/domain"
)

// Store SQL 索引数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 索引存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	// 验证驱动类型
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	if driverName == "mysql" {
		var err error
		dsn, err = withClientFoundRows(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
	}

	// 打开数据库连接
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var gormDB *gorm.DB
	switch driverName {
	case "mysql":
		gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: db}), gormConfig)
	case "postgres":
		gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: db}), gormConfig)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	// 自动执行数据库迁移
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// withClientFoundRows 确保 MySQL DSN 携带 clientFoundRows 参数。
//
// 健康标记和运行标记的更新依赖 RowsAffected 区分记录是否存在，
// MySQL 默认只报告值发生变化的行数，重复写入相同值会被误判为
// 记录缺失。
func withClientFoundRows(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// migrate 执行数据库迁移（使用 GORM AutoMigrate）
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.Account{},
		&domain.Mailbox{},
		&domain.Daemon{},
		&domain.Email{},
		&domain.Correspondent{},
		&domain.EmailCorrespondent{},
		&domain.Attachment{},
		&domain.MailingList{},
		&domain.StorageShard{},
	)
}

// wrapNotFound 将 GORM 的记录缺失错误翻译为领域错误
func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// ========== Account Repository ==========

// SaveAccount 保存账户记录，ID 为空时自动生成。
func (s *Store) SaveAccount(account *domain.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	return s.gormDB.Save(account).Error
}

// GetAccount 根据 ID 获取账户。
func (s *Store) GetAccount(id string) (*domain.Account, error) {
	var account domain.Account
	if err := s.gormDB.First(&account, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &account, nil
}

// ListAccounts 返回全部账户。
func (s *Store) ListAccounts() ([]domain.Account, error) {
	var accounts []domain.Account
	if err := s.gormDB.Order("created_at").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// DeleteAccount 删除账户及其级联的邮箱、守护进程和邮件索引。
func (s *Store) DeleteAccount(id string) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&domain.Account{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}

		emailIDs := tx.Model(&domain.Email{}).Select("id").Where("account_id = ?", id)
		if err := tx.Where("email_id IN (?)", emailIDs).Delete(&domain.EmailCorrespondent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("email_id IN (?)", emailIDs).Delete(&domain.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&domain.Email{}).Error; err != nil {
			return err
		}

		mailboxIDs := tx.Model(&domain.Mailbox{}).Select("id").Where("account_id = ?", id)
		if err := tx.Where("mailbox_id IN (?)", mailboxIDs).Delete(&domain.Daemon{}).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ?", id).Delete(&domain.Mailbox{}).Error
	})
}

// SetAccountHealth 更新账户的健康标记。
func (s *Store) SetAccountHealth(id string, healthy *bool, lastError string) error {
	return s.updateHealth(&domain.Account{}, "id", id, healthy, lastError)
}

// SetAccountFetched 记录账户最近一次成功获取的时间。
func (s *Store) SetAccountFetched(id string) error {
	now := time.Now().UTC()
	result := s.gormDB.Model(&domain.Account{}).Where("id = ?", id).
		Update("last_fetched_at", &now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱记录，ID 为空时自动生成。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	return s.gormDB.Save(mailbox).Error
}

// GetMailbox 根据 ID 获取邮箱，并填充其所属账户。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := s.gormDB.First(&mailbox, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	account, err := s.GetAccount(mailbox.AccountID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	mailbox.Account = account
	return &mailbox, nil
}

// ListMailboxes 返回指定账户下的全部邮箱；accountID 为空时返回所有邮箱。
func (s *Store) ListMailboxes(accountID string) ([]domain.Mailbox, error) {
	query := s.gormDB.Order("created_at")
	if accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}

	var mailboxes []domain.Mailbox
	if err := query.Find(&mailboxes).Error; err != nil {
		return nil, err
	}

	// 填充所属账户
	accounts := make(map[string]*domain.Account)
	for i := range mailboxes {
		account, ok := accounts[mailboxes[i].AccountID]
		if !ok {
			var a domain.Account
			if err := s.gormDB.First(&a, "id = ?", mailboxes[i].AccountID).Error; err == nil {
				account = &a
			}
			accounts[mailboxes[i].AccountID] = account
		}
		mailboxes[i].Account = account
	}
	return mailboxes, nil
}

// DeleteMailbox 删除邮箱及其守护进程和邮件索引。
func (s *Store) DeleteMailbox(id string) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&domain.Mailbox{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}

		emailIDs := tx.Model(&domain.Email{}).Select("id").Where("mailbox_id = ?", id)
		if err := tx.Where("email_id IN (?)", emailIDs).Delete(&domain.EmailCorrespondent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("email_id IN (?)", emailIDs).Delete(&domain.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("mailbox_id = ?", id).Delete(&domain.Email{}).Error; err != nil {
			return err
		}
		return tx.Where("mailbox_id = ?", id).Delete(&domain.Daemon{}).Error
	})
}

// SetMailboxHealth 更新邮箱的健康标记。
func (s *Store) SetMailboxHealth(id string, healthy *bool, lastError string) error {
	return s.updateHealth(&domain.Mailbox{}, "id", id, healthy, lastError)
}

// ========== Daemon Repository ==========

// SaveDaemon 保存守护进程记录，一个邮箱至多一条。
func (s *Store) SaveDaemon(daemon *domain.Daemon) error {
	if daemon.ID == "" {
		daemon.ID = uuid.NewString()
	}
	return s.gormDB.Save(daemon).Error
}

// GetDaemon 根据邮箱 ID 获取守护进程记录。
func (s *Store) GetDaemon(mailboxID string) (*domain.Daemon, error) {
	var daemon domain.Daemon
	if err := s.gormDB.First(&daemon, "mailbox_id = ?", mailboxID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &daemon, nil
}

// ListRunningDaemons 返回所有标记为运行中的守护进程。
func (s *Store) ListRunningDaemons() ([]domain.Daemon, error) {
	var daemons []domain.Daemon
	if err := s.gormDB.Where("is_running = ?", true).Order("created_at").Find(&daemons).Error; err != nil {
		return nil, err
	}
	return daemons, nil
}

// SetDaemonRunning 更新守护进程的运行标记。
func (s *Store) SetDaemonRunning(mailboxID string, running bool) error {
	result := s.gormDB.Model(&domain.Daemon{}).Where("mailbox_id = ?", mailboxID).
		Update("is_running", running)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetDaemonHealth 更新守护进程的健康标记。
func (s *Store) SetDaemonHealth(mailboxID string, healthy *bool, lastError string) error {
	return s.updateHealth(&domain.Daemon{}, "mailbox_id", mailboxID, healthy, lastError)
}

// ========== Email Repository ==========

// GetOrCreateEmail 按 (account, message_id) 查找邮件，不存在时创建。
// 返回的 bool 表示是否新建；已存在时不覆盖任何内容字段。
func (s *Store) GetOrCreateEmail(email *domain.Email) (*domain.Email, bool, error) {
	var existing domain.Email
	err := s.gormDB.First(&existing, "account_id = ? AND message_id = ?",
		email.AccountID, email.MessageID).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	if email.ID == "" {
		email.ID = uuid.NewString()
	}
	if err := s.gormDB.Create(email).Error; err != nil {
		// 并发写入同一封邮件：退回到查询已有记录
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if qerr := s.gormDB.First(&existing, "account_id = ? AND message_id = ?",
				email.AccountID, email.MessageID).Error; qerr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, err
	}
	return email, true, nil
}

// GetEmailByMessageID 按 (account, message_id) 获取邮件。
func (s *Store) GetEmailByMessageID(accountID, messageID string) (*domain.Email, error) {
	var email domain.Email
	if err := s.gormDB.First(&email, "account_id = ? AND message_id = ?", accountID, messageID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &email, nil
}

// ListEmails 返回邮箱下的全部邮件索引。
func (s *Store) ListEmails(mailboxID string) ([]domain.Email, error) {
	var emails []domain.Email
	if err := s.gormDB.Where("mailbox_id = ?", mailboxID).Order("created_at").Find(&emails).Error; err != nil {
		return nil, err
	}
	return emails, nil
}

// SetEmailFilepaths 回填邮件的 EML 和预览文件路径，nil 参数保持原值。
func (s *Store) SetEmailFilepaths(id string, emlPath, previewPath *string) error {
	updates := make(map[string]interface{}, 2)
	if emlPath != nil {
		updates["eml_filepath"] = *emlPath
	}
	if previewPath != nil {
		updates["preview_filepath"] = *previewPath
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.gormDB.Model(&domain.Email{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteEmail 删除邮件及其附件索引和通信者连接。
func (s *Store) DeleteEmail(id string) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&domain.Email{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		if err := tx.Where("email_id = ?", id).Delete(&domain.EmailCorrespondent{}).Error; err != nil {
			return err
		}
		return tx.Where("email_id = ?", id).Delete(&domain.Attachment{}).Error
	})
}

// ========== Correspondent Repository ==========

// GetOrCreateCorrespondent 按地址查找通信者，不存在时创建。
// 已有记录的名字仅在原值为空时回填，不覆盖。
func (s *Store) GetOrCreateCorrespondent(address, name string) (*domain.Correspondent, bool, error) {
	var existing domain.Correspondent
	err := s.gormDB.First(&existing, "email_address = ?", address).Error
	if err == nil {
		if existing.EmailName == "" && name != "" {
			if uerr := s.gormDB.Model(&existing).Update("email_name", name).Error; uerr != nil {
				return nil, false, uerr
			}
			existing.EmailName = name
		}
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	c := &domain.Correspondent{
		ID:           uuid.NewString(),
		EmailAddress: address,
		EmailName:    name,
	}
	if err := s.gormDB.Create(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if qerr := s.gormDB.First(&existing, "email_address = ?", address).Error; qerr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, err
	}
	return c, true, nil
}

// GetCorrespondentByAddress 按地址获取通信者。
func (s *Store) GetCorrespondentByAddress(address string) (*domain.Correspondent, error) {
	var c domain.Correspondent
	if err := s.gormDB.First(&c, "email_address = ?", address).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &c, nil
}

// GetOrCreateEmailCorrespondent 建立邮件与通信者的角色连接。
// (email, correspondent, mention) 三元组唯一，重复调用返回 false。
func (s *Store) GetOrCreateEmailCorrespondent(emailID, correspondentID string, mention domain.Mention) (bool, error) {
	var count int64
	err := s.gormDB.Model(&domain.EmailCorrespondent{}).
		Where("email_id = ? AND correspondent_id = ? AND mention = ?", emailID, correspondentID, mention).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	link := &domain.EmailCorrespondent{
		ID:              uuid.NewString(),
		EmailID:         emailID,
		CorrespondentID: correspondentID,
		Mention:         mention,
	}
	if err := s.gormDB.Create(link).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListEmailCorrespondents 返回某封邮件的全部角色连接。
func (s *Store) ListEmailCorrespondents(emailID string) ([]domain.EmailCorrespondent, error) {
	var links []domain.EmailCorrespondent
	err := s.gormDB.Where("email_id = ?", emailID).
		Order("correspondent_id, mention").Find(&links).Error
	if err != nil {
		return nil, err
	}
	return links, nil
}

// ========== Attachment Repository ==========

// CreateAttachment 创建附件索引行，ID 为空时自动生成。
func (s *Store) CreateAttachment(attachment *domain.Attachment) error {
	if attachment.ID == "" {
		attachment.ID = uuid.NewString()
	}
	return s.gormDB.Create(attachment).Error
}

// SetAttachmentFilePath 在附件字节落盘成功后回填文件路径。
func (s *Store) SetAttachmentFilePath(id, filePath string) error {
	result := s.gormDB.Model(&domain.Attachment{}).Where("id = ?", id).
		Update("file_path", filePath)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListAttachments 返回某封邮件的全部附件索引。
func (s *Store) ListAttachments(emailID string) ([]domain.Attachment, error) {
	var attachments []domain.Attachment
	err := s.gormDB.Where("email_id = ?", emailID).Order("created_at, id").Find(&attachments).Error
	if err != nil {
		return nil, err
	}
	return attachments, nil
}

// DeleteAttachment 删除附件索引行。
func (s *Store) DeleteAttachment(id string) error {
	result := s.gormDB.Delete(&domain.Attachment{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ========== MailingList Repository ==========

// GetOrCreateMailingList 按 (list_id, correspondent) 查找列表元数据，不存在时创建。
func (s *Store) GetOrCreateMailingList(list *domain.MailingList) (*domain.MailingList, bool, error) {
	var existing domain.MailingList
	err := s.gormDB.First(&existing, "list_id = ? AND correspondent_id = ?",
		list.ListID, list.CorrespondentID).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	if list.ID == "" {
		list.ID = uuid.NewString()
	}
	if err := s.gormDB.Create(list).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if qerr := s.gormDB.First(&existing, "list_id = ? AND correspondent_id = ?",
				list.ListID, list.CorrespondentID).Error; qerr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, err
	}
	return list, true, nil
}

// ========== Storage Shard Repository ==========

// CurrentShard 返回标记为当前写入目标的分片。
func (s *Store) CurrentShard() (*domain.StorageShard, error) {
	var shard domain.StorageShard
	if err := s.gormDB.First(&shard, "current = ?", true).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &shard, nil
}

// SaveShard 保存分片记录，ID 为空时自动生成。
func (s *Store) SaveShard(shard *domain.StorageShard) error {
	if shard.ID == "" {
		shard.ID = uuid.NewString()
	}
	// Save 不会把 current=false 当作零值跳过，必须走 Select 全字段更新
	return s.gormDB.Select("*").Save(shard).Error
}

// ListShards 返回按目录编号升序排列的全部分片。
func (s *Store) ListShards() ([]domain.StorageShard, error) {
	var shards []domain.StorageShard
	if err := s.gormDB.Order("directory_number").Find(&shards).Error; err != nil {
		return nil, err
	}
	return shards, nil
}

// Transaction 在单个数据库事务内执行 fn，fn 返回错误时整体回滚。
func (s *Store) Transaction(fn func(domain.Store) error) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: s.db, gormDB: tx, driverName: s.driverName})
	})
}

// updateHealth 更新任意带健康字段组的模型的健康标记。
func (s *Store) updateHealth(model interface{}, keyColumn, keyValue string, healthy *bool, lastError string) error {
	updates := map[string]interface{}{"is_healthy": healthy}
	if lastError != "" {
		now := time.Now().UTC()
		updates["last_error"] = lastError
		updates["last_error_at"] = &now
	}

	result := s.gormDB.Model(model).Where(keyColumn+" = ?", keyValue).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
