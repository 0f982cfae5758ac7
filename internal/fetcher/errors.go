package fetcher

import (
	"errors"
	"fmt"
)

// AccountError 表示账户级故障：连接、认证或列举邮箱失败。
// 这类故障把不健康标记打在账户上。
type AccountError struct {
	Op  string // 失败的操作，如 "dial", "login"
	Err error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account %s failed: %v", e.Op, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// MailboxError 表示邮箱级故障：选择文件夹或检索失败。
// 这类故障把不健康标记打在邮箱上，账户本身仍然健康。
type MailboxError struct {
	Op      string // 失败的操作，如 "select", "search"
	Mailbox string // 远程文件夹名
	Err     error
}

func (e *MailboxError) Error() string {
	return fmt.Sprintf("mailbox %q %s failed: %v", e.Mailbox, e.Op, e.Err)
}

func (e *MailboxError) Unwrap() error {
	return e.Err
}

// AsAccountError 判断 err 链上是否有账户级故障。
func AsAccountError(err error) (*AccountError, bool) {
	var target *AccountError
	ok := errors.As(err, &target)
	return target, ok
}

// AsMailboxError 判断 err 链上是否有邮箱级故障。
func AsMailboxError(err error) (*MailboxError, bool) {
	var target *MailboxError
	ok := errors.As(err, &target)
	return target, ok
}
