package domain

import "time"

// StorageShard 记录分片存储中一个目录单元的状态。
//
// 同一时刻只允许一行 Current 为 true；SubdirectoryCount 受配置上限约束，
// 达到上限后当前分片被归档并创建编号加一的新分片。
type StorageShard struct {
	ID              string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DirectoryNumber int    `json:"directoryNumber" gorm:"uniqueIndex;not null"`
	Path            string `json:"path" gorm:"type:varchar(511);uniqueIndex;not null"`

	SubdirectoryCount int  `json:"subdirectoryCount" gorm:"default:0"`
	Current           bool `json:"current" gorm:"default:false;index"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
