package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"mailarchive/backend/internal/domain"
)

// Allocator 管理分片文件存储的目录分配。
//
// 存储根目录下按编号排列分片目录（0, 1, 2, ...），每个分片容纳
// 有限个子目录，写满后滚动到编号加一的新分片。同一时刻只有一个
// 分片是当前写入目标，状态持久化在索引数据库中。
type Allocator struct {
	mu         sync.Mutex
	store      domain.Store
	basePath   string
	maxSubdirs int
	logger     *zap.Logger
}

// NewAllocator 创建分片分配器并确保存储根目录存在。
func NewAllocator(store domain.Store, basePath string, maxSubdirs int, logger *zap.Logger) (*Allocator, error) {
	if maxSubdirs <= 0 {
		maxSubdirs = 1000
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage base directory: %w", err)
	}
	return &Allocator{
		store:      store,
		basePath:   basePath,
		maxSubdirs: maxSubdirs,
		logger:     logger,
	}, nil
}

// Subdirectory 在当前分片中为 name 分配一个子目录并返回其绝对路径。
//
// 目录创建失败的错误直接向上传播，调用方不得在未落盘的情况下
// 回填数据库中的文件路径。
func (a *Allocator) Subdirectory(name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	shard, err := a.currentShardLocked()
	if err != nil {
		return "", err
	}

	// 分片写满后滚动到新分片
	if shard.SubdirectoryCount >= a.maxSubdirs {
		shard, err = a.rollShardLocked(shard)
		if err != nil {
			return "", err
		}
	}

	subdir := filepath.Join(shard.Path, CleanName(name))

	// 路径被普通文件占用时加后缀避让，直到不再与文件冲突
	for {
		info, err := os.Stat(subdir)
		if err != nil || info.IsDir() {
			break
		}
		subdir += ".a"
	}

	created := false
	if _, err := os.Stat(subdir); os.IsNotExist(err) {
		created = true
	}
	if err := os.MkdirAll(subdir, 0755); err != nil {
		return "", fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
	}

	if created {
		shard.SubdirectoryCount++
		if err := a.store.SaveShard(shard); err != nil {
			return "", fmt.Errorf("failed to update shard record: %w", err)
		}
	}

	return subdir, nil
}

// currentShardLocked 返回当前分片，没有任何分片时创建编号 0 的初始分片。
func (a *Allocator) currentShardLocked() (*domain.StorageShard, error) {
	shard, err := a.store.CurrentShard()
	if err == nil {
		return shard, nil
	}
	if err != domain.ErrNotFound {
		return nil, err
	}

	return a.createShardLocked(0)
}

// rollShardLocked 归档写满的分片并创建编号加一的新分片。
func (a *Allocator) rollShardLocked(full *domain.StorageShard) (*domain.StorageShard, error) {
	full.Current = false
	if err := a.store.SaveShard(full); err != nil {
		return nil, fmt.Errorf("failed to retire shard %d: %w", full.DirectoryNumber, err)
	}

	next, err := a.createShardLocked(full.DirectoryNumber + 1)
	if err != nil {
		return nil, err
	}

	a.logger.Info("storage shard rolled over",
		zap.Int("retired", full.DirectoryNumber),
		zap.Int("current", next.DirectoryNumber))
	return next, nil
}

func (a *Allocator) createShardLocked(number int) (*domain.StorageShard, error) {
	path := filepath.Join(a.basePath, strconv.Itoa(number))
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory %s: %w", path, err)
	}

	shard := &domain.StorageShard{
		DirectoryNumber: number,
		Path:            path,
		Current:         true,
	}
	if err := a.store.SaveShard(shard); err != nil {
		return nil, fmt.Errorf("failed to save shard record: %w", err)
	}
	return shard, nil
}

// Healthcheck 校验分片状态与磁盘内容的一致性。
//
// 检查三个不变量：
//  1. 恰好一个分片被标记为当前写入目标
//  2. 数据库中的分片数与磁盘上的分片目录数一致
//  3. 每个分片记录的子目录数与磁盘实际数量一致
//
// 任何一项失败都记录严重级别日志并返回错误。
func (a *Allocator) Healthcheck() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	shards, err := a.store.ListShards()
	if err != nil {
		return fmt.Errorf("failed to list shards: %w", err)
	}

	var problems []string

	currentCount := 0
	for _, shard := range shards {
		if shard.Current {
			currentCount++
		}
	}
	if len(shards) > 0 && currentCount != 1 {
		a.logger.Error("storage healthcheck: current shard invariant violated",
			zap.Int("currentCount", currentCount))
		problems = append(problems, fmt.Sprintf("expected exactly one current shard, found %d", currentCount))
	}

	diskShards, err := a.countDirs(a.basePath)
	if err != nil {
		return fmt.Errorf("failed to read storage base directory: %w", err)
	}
	if diskShards != len(shards) {
		a.logger.Error("storage healthcheck: shard directory count mismatch",
			zap.Int("database", len(shards)),
			zap.Int("disk", diskShards))
		problems = append(problems, fmt.Sprintf("shard count mismatch: %d in database, %d on disk", len(shards), diskShards))
	}

	for _, shard := range shards {
		onDisk, err := a.countDirs(shard.Path)
		if err != nil {
			a.logger.Error("storage healthcheck: shard directory unreadable",
				zap.Int("shard", shard.DirectoryNumber),
				zap.Error(err))
			problems = append(problems, fmt.Sprintf("shard %d unreadable: %v", shard.DirectoryNumber, err))
			continue
		}
		if onDisk != shard.SubdirectoryCount {
			a.logger.Error("storage healthcheck: subdirectory count mismatch",
				zap.Int("shard", shard.DirectoryNumber),
				zap.Int("database", shard.SubdirectoryCount),
				zap.Int("disk", onDisk))
			problems = append(problems, fmt.Sprintf("shard %d subdirectory count mismatch: %d in database, %d on disk",
				shard.DirectoryNumber, shard.SubdirectoryCount, onDisk))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("storage healthcheck failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (a *Allocator) countDirs(path string) (int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			count++
		}
	}
	return count, nil
}

// CleanName 将任意文件名转换为可安全用作目录名的形式。
// 路径分隔符和波浪号替换为下划线，去除首尾空白。
func CleanName(name string) string {
	cleaned := strings.ReplaceAll(name, "/", "_")
	cleaned = strings.ReplaceAll(cleaned, "~", "_")
	return strings.TrimSpace(cleaned)
}
