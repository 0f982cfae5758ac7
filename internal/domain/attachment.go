package domain

import "time"

// Attachment 表示从邮件中提取出的一个附件文件。
//
// FilePath 在字节成功写入存储之前为 null；(file_path, email) 组合唯一，
// null 不参与唯一约束，因此未落盘的行可以安全重建。
type Attachment struct {
	ID      string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EmailID string `json:"emailId" gorm:"type:varchar(36);index;uniqueIndex:idx_attachments_path_email;not null"`

	FileName           string  `json:"fileName" gorm:"type:varchar(255)"`
	FilePath           *string `json:"filePath,omitempty" gorm:"type:varchar(511);uniqueIndex:idx_attachments_path_email"`
	ContentDisposition string  `json:"contentDisposition" gorm:"type:varchar(255);default:''"`
	ContentType        string  `json:"contentType" gorm:"type:varchar(255);default:''"`
	DataSize           int64   `json:"dataSize"`
	IsFavorite         bool    `json:"isFavorite" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Content []byte `json:"-" gorm:"-"` // 仅在解析后、落盘前携带
}

// Stored 判断附件字节是否已经写入存储。
func (a *Attachment) Stored() bool {
	return a.FilePath != nil && *a.FilePath != ""
}
