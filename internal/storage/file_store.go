// internal/storage/file_store.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// FileDraftStore 基于本地文件的草稿存储
// 每份草稿一个JSON文件：<BaseDir>/<id>.json
type FileDraftStore struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex

	// 简单读缓存
	cache        map[string]*cacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int
}

// cacheEntry 缓存条目
type cacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// NewFileDraftStore 创建文件草稿存储
func NewFileDraftStore(baseDir string) (*FileDraftStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建草稿目录失败: %w", err)
	}

	fs := &FileDraftStore{
		BaseDir:      baseDir,
		cache:        make(map[string]*cacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 100,
	}

	// 启动缓存清理
	fs.startCacheCleanup()

	return fs, nil
}

func (fs *FileDraftStore) draftPath(id string) string {
	return filepath.Join(fs.BaseDir, id+".json")
}

// 获取文件锁
func (fs *FileDraftStore) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// Save 按ID整体覆盖保存
// 写入走临时文件+重命名，落盘过程中断电也不会留下半个JSON
func (fs *FileDraftStore) Save(ctx context.Context, draft *models.Draft) error {
	if draft == nil || draft.ID == "" {
		return fmt.Errorf("草稿缺少ID，无法保存")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	content, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化草稿失败: %w", err)
	}

	fullPath := fs.draftPath(draft.ID)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(fs.BaseDir, 0755); err != nil {
		return fmt.Errorf("创建草稿目录失败: %w", err)
	}

	// 原子性文件写入
	tempPath := fullPath + ".tmp"

	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			log.Printf("⚠️ 重命名失败后清理临时文件 %s 失败: %v", tempPath, removeErr)
		}
		return fmt.Errorf("保存草稿失败: %w", err)
	}

	fs.invalidateCache(fullPath)

	return nil
}

// Load 按ID读取，缺失或损坏返回 (nil, nil)
func (fs *FileDraftStore) Load(ctx context.Context, id string) (*models.Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := fs.draftPath(id)

	// 检查缓存
	if data, ok := fs.cachedData(fullPath); ok {
		return fs.decode(fullPath, data)
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	// 双重检查缓存
	if data, ok := fs.cachedData(fullPath); ok {
		return fs.decode(fullPath, data)
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		log.Printf("⚠️ 读取草稿文件失败，按缺失处理: %s: %v", fullPath, err)
		return nil, nil
	}

	fs.updateCache(fullPath, content)

	return fs.decode(fullPath, content)
}

// decode 解析草稿JSON，损坏时记日志并按缺失处理
func (fs *FileDraftStore) decode(fullPath string, content []byte) (*models.Draft, error) {
	var draft models.Draft
	if err := json.Unmarshal(content, &draft); err != nil {
		log.Printf("⚠️ 草稿文件损坏，按缺失处理: %s: %v", fullPath, err)
		fs.invalidateCache(fullPath)
		return nil, nil
	}
	return &draft, nil
}

// Delete 按ID删除，目标不存在时同样成功
func (fs *FileDraftStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := fs.draftPath(id)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除草稿失败: %w", err)
	}

	fs.invalidateCache(fullPath)

	return nil
}

// List 列出全部草稿概要，按最近保存时间倒序
func (fs *FileDraftStore) List(ctx context.Context) ([]models.DraftSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fs.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.DraftSummary{}, nil
		}
		return nil, fmt.Errorf("读取草稿目录失败: %w", err)
	}

	summaries := make([]models.DraftSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		draft, err := fs.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if draft == nil {
			// 损坏文件已在Load中记录，列表里直接跳过
			continue
		}
		summaries = append(summaries, draft.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastSavedAt.After(summaries[j].LastSavedAt)
	})

	return summaries, nil
}

// 缓存管理

func (fs *FileDraftStore) cachedData(path string) ([]byte, bool) {
	fs.cacheMutex.RLock()
	defer fs.cacheMutex.RUnlock()

	entry, exists := fs.cache[path]
	if !exists || time.Since(entry.Timestamp) >= fs.cacheExpiry {
		return nil, false
	}
	return entry.Data, true
}

func (fs *FileDraftStore) updateCache(path string, data []byte) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	fs.cache[path] = &cacheEntry{
		Data:      data,
		Timestamp: time.Now(),
	}

	// 简单的缓存大小控制
	if len(fs.cache) > fs.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time

		for key, entry := range fs.cache {
			if oldestKey == "" || entry.Timestamp.Before(oldestTime) {
				oldestKey = key
				oldestTime = entry.Timestamp
			}
		}

		if oldestKey != "" {
			delete(fs.cache, oldestKey)
		}
	}
}

func (fs *FileDraftStore) invalidateCache(path string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	delete(fs.cache, path)
}

// 开始缓存清理
func (fs *FileDraftStore) startCacheCleanup() {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			fs.cleanupExpiredCache()
			fs.enforceMaxCacheSize()
		}
	}()
}

// 清理过期缓存
func (fs *FileDraftStore) cleanupExpiredCache() {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	now := time.Now()
	for path, entry := range fs.cache {
		if now.Sub(entry.Timestamp) > fs.cacheExpiry {
			delete(fs.cache, path)
		}
	}
}

// enforceMaxCacheSize 超出上限时移除最旧的缓存条目
func (fs *FileDraftStore) enforceMaxCacheSize() {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	if len(fs.cache) <= fs.maxCacheSize {
		return
	}

	type entryWithTime struct {
		key       string
		timestamp time.Time
	}

	var entries []entryWithTime
	for key, entry := range fs.cache {
		entries = append(entries, entryWithTime{key: key, timestamp: entry.Timestamp})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp.Before(entries[j].timestamp)
	})

	removeCount := len(entries) - fs.maxCacheSize
	for i := 0; i < removeCount; i++ {
		delete(fs.cache, entries[i].key)
	}
	if removeCount > 0 {
		log.Printf("缓存大小限制执行: 移除了 %d 个最旧的缓存条目", removeCount)
	}
}
