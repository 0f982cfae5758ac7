package domain

import (
	"net"
	"strconv"
	"time"
)

// Health 健康状态字段组，嵌入到需要健康标记的模型中。
//
// IsHealthy 为三态：nil 表示尚未执行过检查（unknown），
// true/false 对应最近一次获取的结果。
type Health struct {
	IsHealthy   *bool      `json:"isHealthy" gorm:"index"`
	LastError   string     `json:"lastError,omitempty" gorm:"type:text"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
}

// Healthy 判断当前是否处于健康状态（unknown 视为不健康）。
func (h Health) Healthy() bool {
	return h.IsHealthy != nil && *h.IsHealthy
}

// Account 表示一组远程邮件服务器的访问凭据。
type Account struct {
	ID       string   `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address  string   `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	Password string   `json:"-" gorm:"type:varchar(255)"`
	Host     string   `json:"host" gorm:"type:varchar(255)"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol" gorm:"type:varchar(16)"`

	Health `json:"health" gorm:"embedded"`

	LastFetchedAt *time.Time `json:"lastFetchedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Addr 返回 host:port 形式的服务器地址。
func (a *Account) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
