package domain

import "time"

// Email 表示一封已归档的邮件。
//
// MessageID 在账户内唯一，归档以此为幂等键：同一封邮件重复获取不会
// 产生第二行记录，也不会覆盖已有内容字段。
type Email struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID string `json:"accountId" gorm:"type:varchar(36);uniqueIndex:idx_emails_account_message;not null"`
	MailboxID string `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	MessageID string `json:"messageId" gorm:"type:varchar(255);uniqueIndex:idx_emails_account_message;not null"`

	Subject  string    `json:"subject" gorm:"type:varchar(500)"`
	Date     time.Time `json:"date" gorm:"index"`
	BodyText string    `json:"bodyText,omitempty" gorm:"type:text"`
	BodyHTML string    `json:"bodyHtml,omitempty" gorm:"type:text"`
	DataSize int64     `json:"dataSize"`

	InReplyTo string `json:"inReplyTo,omitempty" gorm:"type:varchar(255)"`
	IsSpam    bool   `json:"isSpam" gorm:"default:false"`

	// 文件路径在字节落盘成功后才回填，失败时保持 null。
	EMLFilepath     *string `json:"emlFilepath,omitempty" gorm:"type:varchar(511)"`
	PreviewFilepath *string `json:"previewFilepath,omitempty" gorm:"type:varchar(511)"`

	IsFavorite bool `json:"isFavorite" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Attachments []*Attachment `json:"attachments,omitempty" gorm:"-"`
}

// Correspondent 表示一个 (名字, 邮件地址) 身份，地址唯一。
// 名字只在原值为空时回填，一旦写入不再被覆盖。
type Correspondent struct {
	ID           string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EmailAddress string `json:"emailAddress" gorm:"type:varchar(255);uniqueIndex;not null"`
	EmailName    string `json:"emailName" gorm:"type:varchar(255)"`
	IsFavorite   bool   `json:"isFavorite" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EmailCorrespondent 连接 Email 与 Correspondent，记录出现角色。
// (email, correspondent, mention) 三元组唯一，重复获取不会产生重复连接。
type EmailCorrespondent struct {
	ID              string  `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EmailID         string  `json:"emailId" gorm:"type:varchar(36);uniqueIndex:idx_email_correspondent_mention;not null"`
	CorrespondentID string  `json:"correspondentId" gorm:"type:varchar(36);uniqueIndex:idx_email_correspondent_mention;not null"`
	Mention         Mention `json:"mention" gorm:"type:varchar(16);uniqueIndex:idx_email_correspondent_mention;not null"`

	CreatedAt time.Time `json:"createdAt"`
}
