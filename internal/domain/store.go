package domain

import "errors"

// ErrNotFound 表示请求的记录不存在。
var ErrNotFound = errors.New("record not found")

// Store 聚合所有索引存储接口。
//
// 所有 GetOrCreate* 方法在键已存在时返回已有记录且不覆盖任何内容字段，
// 以保证归档过程的幂等性。
type Store interface {
	// ========== Account Repository ==========
	SaveAccount(account *Account) error
	GetAccount(id string) (*Account, error)
	ListAccounts() ([]Account, error)
	DeleteAccount(id string) error
	SetAccountHealth(id string, healthy *bool, lastError string) error
	SetAccountFetched(id string) error

	// ========== Mailbox Repository ==========
	SaveMailbox(mailbox *Mailbox) error
	GetMailbox(id string) (*Mailbox, error)
	ListMailboxes(accountID string) ([]Mailbox, error)
	DeleteMailbox(id string) error
	SetMailboxHealth(id string, healthy *bool, lastError string) error

	// ========== Daemon Repository ==========
	SaveDaemon(daemon *Daemon) error
	GetDaemon(mailboxID string) (*Daemon, error)
	ListRunningDaemons() ([]Daemon, error)
	SetDaemonRunning(mailboxID string, running bool) error
	SetDaemonHealth(mailboxID string, healthy *bool, lastError string) error

	// ========== Email Repository ==========
	GetOrCreateEmail(email *Email) (*Email, bool, error)
	GetEmailByMessageID(accountID, messageID string) (*Email, error)
	ListEmails(mailboxID string) ([]Email, error)
	SetEmailFilepaths(id string, emlPath, previewPath *string) error
	DeleteEmail(id string) error

	// ========== Correspondent Repository ==========
	GetOrCreateCorrespondent(address, name string) (*Correspondent, bool, error)
	GetCorrespondentByAddress(address string) (*Correspondent, error)
	GetOrCreateEmailCorrespondent(emailID, correspondentID string, mention Mention) (bool, error)
	ListEmailCorrespondents(emailID string) ([]EmailCorrespondent, error)

	// ========== Attachment Repository ==========
	CreateAttachment(attachment *Attachment) error
	SetAttachmentFilePath(id, filePath string) error
	ListAttachments(emailID string) ([]Attachment, error)
	DeleteAttachment(id string) error

	// ========== MailingList Repository ==========
	GetOrCreateMailingList(list *MailingList) (*MailingList, bool, error)

	// ========== Storage Shard Repository ==========
	CurrentShard() (*StorageShard, error)
	SaveShard(shard *StorageShard) error
	ListShards() ([]StorageShard, error)

	// Transaction 在一个原子单元内执行 fn，fn 返回错误时整体回滚。
	// 作用域为单封邮件的写入，不跨越已提交的邮件。
	Transaction(fn func(Store) error) error

	Health() error
	Close() error
}
