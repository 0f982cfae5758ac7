package domain

import "time"

// MailingList 表示一封邮件携带的邮件列表元数据。
// 只有 List-Id 头存在时才会创建；(list_id, correspondent) 组合唯一。
type MailingList struct {
	ID              string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ListID          string `json:"listId" gorm:"type:varchar(255);uniqueIndex:idx_mailinglists_list_correspondent;not null"`
	CorrespondentID string `json:"correspondentId" gorm:"type:varchar(36);uniqueIndex:idx_mailinglists_list_correspondent;not null"`

	ListOwner       *string `json:"listOwner,omitempty" gorm:"type:varchar(255)"`
	ListSubscribe   *string `json:"listSubscribe,omitempty" gorm:"type:varchar(255)"`
	ListUnsubscribe *string `json:"listUnsubscribe,omitempty" gorm:"type:varchar(255)"`
	ListPost        *string `json:"listPost,omitempty" gorm:"type:varchar(255)"`
	ListHelp        *string `json:"listHelp,omitempty" gorm:"type:varchar(255)"`
	ListArchive     *string `json:"listArchive,omitempty" gorm:"type:varchar(255)"`

	IsFavorite bool `json:"isFavorite" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
