package shard

import (
	"fmt"
	"os"
)

// StoreFile 将字节写入 path，一次写入后永不覆盖。
//
// 路径上已存在非空文件时视为已归档，直接返回成功；
// 写入失败时把残留文件截断为零字节，留给下一次归档重写。
func StoreFile(path string, data []byte) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		// 截断半写的文件，零字节文件在下次归档时会被重写
		_ = os.Truncate(path, 0)
		return fmt.Errorf("failed to store file %s: %w", path, err)
	}
	return nil
}
