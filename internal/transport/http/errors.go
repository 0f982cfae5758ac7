package httptransport

import (
	"mailarchive/backend/internal/domain"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	domain.ErrNotFound: "记录不存在",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidJSON    = "JSON格式错误"

	// 账户相关
	MsgAccountCreateFailed = "创建账户失败"
	MsgAccountNotFound     = "账户不存在"
	MsgAccountListFailed   = "获取账户列表失败"
	MsgAccountUpdateFailed = "更新账户失败"
	MsgAccountDeleteFailed = "删除账户失败"
	MsgAccountConflict     = "账户地址已存在"
	MsgInvalidProtocol     = "不支持的协议类型"

	// 邮箱相关
	MsgMailboxCreateFailed = "创建邮箱失败"
	MsgMailboxNotFound     = "邮箱不存在"
	MsgMailboxListFailed   = "获取邮箱列表失败"
	MsgMailboxUpdateFailed = "更新邮箱失败"
	MsgMailboxDeleteFailed = "删除邮箱失败"
	MsgInvalidCriterion    = "不支持的获取条件"

	// 获取相关
	MsgFetchFailed = "获取邮件失败"

	// 守护进程相关
	MsgDaemonNotFound     = "守护进程不存在"
	MsgDaemonStartFailed  = "启动守护进程失败"
	MsgDaemonStopFailed   = "停止守护进程失败"
	MsgDaemonUpdateFailed = "更新守护进程失败"
	MsgDaemonAlreadyUp    = "守护进程已在运行"
	MsgDaemonNotRunning   = "守护进程未在运行"
	MsgDaemonProbeFailed  = "守护进程探测失败"
	MsgDaemonStatusFailed = "获取守护进程状态失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
