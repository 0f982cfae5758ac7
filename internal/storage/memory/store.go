package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailarchive/backend/internal/domain"
)

// Store 使用内存保存索引数据，主要用于开发验证和测试。
//
// Transaction 通过独立互斥锁串行化，不提供真正的回滚：
// 所有写入路径均为幂等的 get-or-create，失败后重试会自愈。
type Store struct {
	mu sync.RWMutex
	tx sync.Mutex

	accounts        map[string]*domain.Account
	accountsByAddr  map[string]string // address -> accountID
	mailboxes       map[string]*domain.Mailbox
	daemons         map[string]*domain.Daemon // mailboxID -> daemon
	emails          map[string]*domain.Email
	emailsByMsgID   map[string]string // accountID + "\x00" + messageID -> emailID
	correspondents  map[string]*domain.Correspondent
	byEmailAddress  map[string]string // address -> correspondentID
	links           map[string]*domain.EmailCorrespondent // emailID\x00corrID\x00mention
	attachments     map[string]*domain.Attachment
	mailingLists    map[string]*domain.MailingList // listID\x00corrID
	shards          map[string]*domain.StorageShard
	shardsByNumber  map[int]string // directoryNumber -> shardID
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		accounts:       make(map[string]*domain.Account),
		accountsByAddr: make(map[string]string),
		mailboxes:      make(map[string]*domain.Mailbox),
		daemons:        make(map[string]*domain.Daemon),
		emails:         make(map[string]*domain.Email),
		emailsByMsgID:  make(map[string]string),
		correspondents: make(map[string]*domain.Correspondent),
		byEmailAddress: make(map[string]string),
		links:          make(map[string]*domain.EmailCorrespondent),
		attachments:    make(map[string]*domain.Attachment),
		mailingLists:   make(map[string]*domain.MailingList),
		shards:         make(map[string]*domain.StorageShard),
		shardsByNumber: make(map[int]string),
	}
}

func emailKey(accountID, messageID string) string {
	return accountID + "\x00" + messageID
}

func linkKey(emailID, correspondentID string, mention domain.Mention) string {
	return emailID + "\x00" + correspondentID + "\x00" + string(mention)
}

func listKey(listID, correspondentID string) string {
	return listID + "\x00" + correspondentID
}

// ========== Account Repository ==========

// SaveAccount 保存账户记录，ID 为空时自动生成。
func (s *Store) SaveAccount(account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if account.ID == "" {
		account.ID = uuid.NewString()
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	s.accounts[account.ID] = account
	s.accountsByAddr[account.Address] = account.ID
	return nil
}

// GetAccount 根据 ID 获取账户。
func (s *Store) GetAccount(id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return account, nil
}

// ListAccounts 返回全部账户的快照。
func (s *Store) ListAccounts() ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// DeleteAccount 删除账户及其级联的邮箱、守护进程和邮件索引。
func (s *Store) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}

	for mbID, mb := range s.mailboxes {
		if mb.AccountID == id {
			delete(s.mailboxes, mbID)
			delete(s.daemons, mbID)
		}
	}
	for emailID, e := range s.emails {
		if e.AccountID == id {
			s.deleteEmailLocked(emailID)
		}
	}

	delete(s.accountsByAddr, account.Address)
	delete(s.accounts, id)
	return nil
}

// SetAccountHealth 更新账户的健康标记。
func (s *Store) SetAccountHealth(id string, healthy *bool, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	applyHealth(&account.Health, healthy, lastError)
	account.UpdatedAt = time.Now()
	return nil
}

// SetAccountFetched 记录账户最近一次成功获取的时间。
func (s *Store) SetAccountFetched(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	account.LastFetchedAt = &now
	account.UpdatedAt = now
	return nil
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱记录，ID 为空时自动生成。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[mailbox.AccountID]; !ok {
		return domain.ErrNotFound
	}

	now := time.Now()
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
		mailbox.CreatedAt = now
	}
	mailbox.UpdatedAt = now

	s.mailboxes[mailbox.ID] = mailbox
	return nil
}

// GetMailbox 根据 ID 获取邮箱，并填充其所属账户。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	mailbox.Account = s.accounts[mailbox.AccountID]
	return mailbox, nil
}

// ListMailboxes 返回指定账户下的全部邮箱；accountID 为空时返回所有邮箱。
func (s *Store) ListMailboxes(accountID string) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if accountID != "" && mb.AccountID != accountID {
			continue
		}
		copy := *mb
		copy.Account = s.accounts[mb.AccountID]
		result = append(result, copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// DeleteMailbox 删除邮箱及其守护进程和邮件索引。
func (s *Store) DeleteMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[id]; !ok {
		return domain.ErrNotFound
	}

	for emailID, e := range s.emails {
		if e.MailboxID == id {
			s.deleteEmailLocked(emailID)
		}
	}

	delete(s.daemons, id)
	delete(s.mailboxes, id)
	return nil
}

// SetMailboxHealth 更新邮箱的健康标记。
func (s *Store) SetMailboxHealth(id string, healthy *bool, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return domain.ErrNotFound
	}
	applyHealth(&mailbox.Health, healthy, lastError)
	mailbox.UpdatedAt = time.Now()
	return nil
}

// ========== Daemon Repository ==========

// SaveDaemon 保存守护进程记录，一个邮箱至多一条。
func (s *Store) SaveDaemon(daemon *domain.Daemon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[daemon.MailboxID]; !ok {
		return domain.ErrNotFound
	}

	now := time.Now()
	if daemon.ID == "" {
		daemon.ID = uuid.NewString()
		daemon.CreatedAt = now
	}
	daemon.UpdatedAt = now

	s.daemons[daemon.MailboxID] = daemon
	return nil
}

// GetDaemon 根据邮箱 ID 获取守护进程记录。
func (s *Store) GetDaemon(mailboxID string) (*domain.Daemon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	daemon, ok := s.daemons[mailboxID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return daemon, nil
}

// ListRunningDaemons 返回所有标记为运行中的守护进程。
func (s *Store) ListRunningDaemons() ([]domain.Daemon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Daemon, 0)
	for _, d := range s.daemons {
		if d.IsRunning {
			result = append(result, *d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// SetDaemonRunning 更新守护进程的运行标记。
func (s *Store) SetDaemonRunning(mailboxID string, running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	daemon, ok := s.daemons[mailboxID]
	if !ok {
		return domain.ErrNotFound
	}
	daemon.IsRunning = running
	daemon.UpdatedAt = time.Now()
	return nil
}

// SetDaemonHealth 更新守护进程的健康标记。
func (s *Store) SetDaemonHealth(mailboxID string, healthy *bool, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	daemon, ok := s.daemons[mailboxID]
	if !ok {
		return domain.ErrNotFound
	}
	applyHealth(&daemon.Health, healthy, lastError)
	daemon.UpdatedAt = time.Now()
	return nil
}

// ========== Email Repository ==========

// GetOrCreateEmail 按 (account, message_id) 查找邮件，不存在时创建。
// 返回的 bool 表示是否新建；已存在时不覆盖任何内容字段。
func (s *Store) GetOrCreateEmail(email *domain.Email) (*domain.Email, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := emailKey(email.AccountID, email.MessageID)
	if existingID, ok := s.emailsByMsgID[key]; ok {
		return s.emails[existingID], false, nil
	}

	now := time.Now()
	if email.ID == "" {
		email.ID = uuid.NewString()
	}
	email.CreatedAt = now
	email.UpdatedAt = now

	s.emails[email.ID] = email
	s.emailsByMsgID[key] = email.ID
	return email, true, nil
}

// GetEmailByMessageID 按 (account, message_id) 获取邮件。
func (s *Store) GetEmailByMessageID(accountID, messageID string) (*domain.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emailsByMsgID[emailKey(accountID, messageID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.emails[id], nil
}

// ListEmails 返回邮箱下的全部邮件索引。
func (s *Store) ListEmails(mailboxID string) ([]domain.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	emails := make([]domain.Email, 0)
	for _, e := range s.emails {
		if e.MailboxID == mailboxID {
			emails = append(emails, *e)
		}
	}
	sort.Slice(emails, func(i, j int) bool { return emails[i].CreatedAt.Before(emails[j].CreatedAt) })
	return emails, nil
}

// SetEmailFilepaths 回填邮件的 EML 和预览文件路径，nil 参数保持原值。
func (s *Store) SetEmailFilepaths(id string, emlPath, previewPath *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.emails[id]
	if !ok {
		return domain.ErrNotFound
	}
	if emlPath != nil {
		email.EMLFilepath = emlPath
	}
	if previewPath != nil {
		email.PreviewFilepath = previewPath
	}
	email.UpdatedAt = time.Now()
	return nil
}

// DeleteEmail 删除邮件及其附件索引和通信者连接。
func (s *Store) DeleteEmail(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[id]; !ok {
		return domain.ErrNotFound
	}
	s.deleteEmailLocked(id)
	return nil
}

func (s *Store) deleteEmailLocked(id string) {
	email, ok := s.emails[id]
	if !ok {
		return
	}
	delete(s.emailsByMsgID, emailKey(email.AccountID, email.MessageID))
	delete(s.emails, id)

	for key, link := range s.links {
		if link.EmailID == id {
			delete(s.links, key)
		}
	}
	for attID, att := range s.attachments {
		if att.EmailID == id {
			delete(s.attachments, attID)
		}
	}
}

// ========== Correspondent Repository ==========

// GetOrCreateCorrespondent 按地址查找通信者，不存在时创建。
// 已有记录的名字仅在原值为空时回填，不覆盖。
func (s *Store) GetOrCreateCorrespondent(address, name string) (*domain.Correspondent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmailAddress[address]; ok {
		existing := s.correspondents[id]
		if strings.TrimSpace(existing.EmailName) == "" && strings.TrimSpace(name) != "" {
			existing.EmailName = name
			existing.UpdatedAt = time.Now()
		}
		return existing, false, nil
	}

	now := time.Now()
	c := &domain.Correspondent{
		ID:           uuid.NewString(),
		EmailAddress: address,
		EmailName:    name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.correspondents[c.ID] = c
	s.byEmailAddress[address] = c.ID
	return c, true, nil
}

// GetCorrespondentByAddress 按地址获取通信者。
func (s *Store) GetCorrespondentByAddress(address string) (*domain.Correspondent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmailAddress[address]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.correspondents[id], nil
}

// GetOrCreateEmailCorrespondent 建立邮件与通信者的角色连接。
// (email, correspondent, mention) 三元组唯一，重复调用返回 false。
func (s *Store) GetOrCreateEmailCorrespondent(emailID, correspondentID string, mention domain.Mention) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(emailID, correspondentID, mention)
	if _, ok := s.links[key]; ok {
		return false, nil
	}

	s.links[key] = &domain.EmailCorrespondent{
		ID:              uuid.NewString(),
		EmailID:         emailID,
		CorrespondentID: correspondentID,
		Mention:         mention,
		CreatedAt:       time.Now(),
	}
	return true, nil
}

// ListEmailCorrespondents 返回某封邮件的全部角色连接。
func (s *Store) ListEmailCorrespondents(emailID string) ([]domain.EmailCorrespondent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.EmailCorrespondent, 0)
	for _, link := range s.links {
		if link.EmailID == emailID {
			result = append(result, *link)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CorrespondentID != result[j].CorrespondentID {
			return result[i].CorrespondentID < result[j].CorrespondentID
		}
		return result[i].Mention < result[j].Mention
	})
	return result, nil
}

// ========== Attachment Repository ==========

// CreateAttachment 创建附件索引行，ID 为空时自动生成。
func (s *Store) CreateAttachment(attachment *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[attachment.EmailID]; !ok {
		return domain.ErrNotFound
	}

	now := time.Now()
	if attachment.ID == "" {
		attachment.ID = uuid.NewString()
	}
	attachment.CreatedAt = now
	attachment.UpdatedAt = now

	s.attachments[attachment.ID] = attachment
	return nil
}

// SetAttachmentFilePath 在附件字节落盘成功后回填文件路径。
func (s *Store) SetAttachmentFilePath(id, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attachment, ok := s.attachments[id]
	if !ok {
		return domain.ErrNotFound
	}
	attachment.FilePath = &filePath
	attachment.UpdatedAt = time.Now()
	return nil
}

// ListAttachments 返回某封邮件的全部附件索引。
func (s *Store) ListAttachments(emailID string) ([]domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Attachment, 0)
	for _, att := range s.attachments {
		if att.EmailID == emailID {
			result = append(result, *att)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// DeleteAttachment 删除附件索引行。
func (s *Store) DeleteAttachment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attachments[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.attachments, id)
	return nil
}

// ========== MailingList Repository ==========

// GetOrCreateMailingList 按 (list_id, correspondent) 查找列表元数据，不存在时创建。
func (s *Store) GetOrCreateMailingList(list *domain.MailingList) (*domain.MailingList, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := listKey(list.ListID, list.CorrespondentID)
	if existing, ok := s.mailingLists[key]; ok {
		return existing, false, nil
	}

	now := time.Now()
	if list.ID == "" {
		list.ID = uuid.NewString()
	}
	list.CreatedAt = now
	list.UpdatedAt = now

	s.mailingLists[key] = list
	return list, true, nil
}

// ========== Storage Shard Repository ==========

// CurrentShard 返回标记为当前写入目标的分片。
func (s *Store) CurrentShard() (*domain.StorageShard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, shard := range s.shards {
		if shard.Current {
			return shard, nil
		}
	}
	return nil, domain.ErrNotFound
}

// SaveShard 保存分片记录，ID 为空时自动生成。
func (s *Store) SaveShard(shard *domain.StorageShard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if shard.ID == "" {
		shard.ID = uuid.NewString()
		shard.CreatedAt = now
	}
	shard.UpdatedAt = now

	s.shards[shard.ID] = shard
	s.shardsByNumber[shard.DirectoryNumber] = shard.ID
	return nil
}

// ListShards 返回按目录编号升序排列的全部分片。
func (s *Store) ListShards() ([]domain.StorageShard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StorageShard, 0, len(s.shards))
	for _, shard := range s.shards {
		result = append(result, *shard)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DirectoryNumber < result[j].DirectoryNumber })
	return result, nil
}

// Transaction 串行执行 fn。内存实现不支持回滚；
// 写入路径均为幂等的 get-or-create，半途失败后重试会收敛到一致状态。
func (s *Store) Transaction(fn func(domain.Store) error) error {
	s.tx.Lock()
	defer s.tx.Unlock()
	return fn(s)
}

// Health 检查存储可用性，内存实现恒为可用。
func (s *Store) Health() error {
	return nil
}

// Close 释放存储资源，内存实现为空操作。
func (s *Store) Close() error {
	return nil
}

// applyHealth 更新健康字段组：错误信息非空时记录发生时间。
func applyHealth(h *domain.Health, healthy *bool, lastError string) {
	h.IsHealthy = healthy
	if lastError != "" {
		now := time.Now()
		h.LastError = lastError
		h.LastErrorAt = &now
	}
}
