package domain

import "time"

// Mailbox 表示某个账户下被归档的一个远程邮件文件夹。
type Mailbox struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID string `json:"accountId" gorm:"type:varchar(36);index;not null"`
	Name      string `json:"name" gorm:"type:varchar(255)"` // 远程文件夹名，如 "INBOX"

	// 归档策略
	SaveAttachments bool           `json:"saveAttachments" gorm:"default:true"`
	SaveToEML       bool           `json:"saveToEml" gorm:"default:true"`
	Criterion       FetchCriterion `json:"criterion" gorm:"type:varchar(16);default:ALL"`
	CycleInterval   int            `json:"cycleInterval" gorm:"default:60"` // 秒

	Health `json:"health" gorm:"embedded"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Account *Account `json:"-" gorm:"-"` // 运行时由存储层填充
}
