package domain

import "time"

// Daemon 表示某个邮箱的后台轮询进程的持久化配置与状态。
// 与 Mailbox 一一对应，邮箱删除时级联删除。
type Daemon struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID string `json:"mailboxId" gorm:"type:varchar(36);uniqueIndex;not null"`

	CycleInterval int            `json:"cycleInterval" gorm:"default:60"` // 秒
	RestartTime   int            `json:"restartTime" gorm:"default:10"`  // 崩溃后的重启延迟，秒
	Criterion     FetchCriterion `json:"criterion" gorm:"type:varchar(16);default:ALL"`

	IsRunning   bool   `json:"isRunning" gorm:"default:false"`
	LogFilepath string `json:"logFilepath" gorm:"type:varchar(511)"`

	Health `json:"health" gorm:"embedded"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CycleDuration 返回轮询间隔时长。
func (d *Daemon) CycleDuration() time.Duration {
	if d.CycleInterval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(d.CycleInterval) * time.Second
}

// RestartDuration 返回崩溃重启延迟时长。
func (d *Daemon) RestartDuration() time.Duration {
	if d.RestartTime <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.RestartTime) * time.Second
}
