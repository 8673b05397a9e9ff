// internal/services/export_cache.go
package services

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// ExportCache 导出产物的内存索引
// 同一构建版本的重复导出直接复用磁盘上的产物文件，
// 条目按最后访问时间做LRU清理
type ExportCache struct {
	cache      map[string]*exportCacheEntry
	mutex      sync.RWMutex
	maxSize    int           // 最大缓存条目数
	expiration time.Duration // 缓存过期时间
}

type exportCacheEntry struct {
	Result    models.ExportResult
	CreatedAt time.Time
	LastRead  time.Time
}

// NewExportCache 创建导出缓存
func NewExportCache(maxSize int, expiration time.Duration) *ExportCache {
	if maxSize <= 0 {
		maxSize = 200 // 默认缓存200个产物
	}

	if expiration <= 0 {
		expiration = 30 * time.Minute
	}

	return &ExportCache{
		cache:      make(map[string]*exportCacheEntry),
		maxSize:    maxSize,
		expiration: expiration,
	}
}

// Key 构造缓存键
// 构建时间参与键值，重新构建后旧产物自然失效
func (c *ExportCache) Key(draftID, format string, builtAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", draftID, format, builtAt.UnixNano())
}

// Get 查询缓存的导出结果
// 产物文件已被删除或条目过期时视为未命中
func (c *ExportCache) Get(key string) (models.ExportResult, bool) {
	c.mutex.RLock()
	entry, exists := c.cache[key]
	c.mutex.RUnlock()

	if !exists {
		return models.ExportResult{}, false
	}

	if time.Since(entry.CreatedAt) > c.expiration {
		c.mutex.Lock()
		delete(c.cache, key)
		c.mutex.Unlock()
		return models.ExportResult{}, false
	}

	// 磁盘上的文件可能被外部清理，命中前核实
	info, err := os.Stat(entry.Result.FilePath)
	if err != nil || info.Size() != entry.Result.FileSize {
		c.mutex.Lock()
		delete(c.cache, key)
		c.mutex.Unlock()
		return models.ExportResult{}, false
	}

	c.mutex.Lock()
	entry.LastRead = time.Now()
	c.mutex.Unlock()

	return entry.Result, true
}

// Put 记录一次导出产物
func (c *ExportCache) Put(key string, result models.ExportResult) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &exportCacheEntry{
		Result:    result,
		CreatedAt: time.Now(),
		LastRead:  time.Now(),
	}

	if len(c.cache) > c.maxSize {
		toRemove := max(1, c.maxSize/5)
		c.cleanupLRU(toRemove)
	}
}

// InvalidateDraft 清除某草稿的全部缓存条目
// 草稿删除或重新打开后调用
func (c *ExportCache) InvalidateDraft(draftID string) {
	prefix := draftID + "|"
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for key := range c.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.cache, key)
		}
	}
}

// ClearCache 清空缓存
func (c *ExportCache) ClearCache() {
	c.mutex.Lock()
	c.cache = make(map[string]*exportCacheEntry)
	c.mutex.Unlock()
}

// Len 当前条目数
func (c *ExportCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

// 清理最少使用的条目，调用方需持有写锁
func (c *ExportCache) cleanupLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.LastRead})
	}

	// 按最后读取时间排序
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	maxToDelete := min(count, len(entries))
	for i := 0; i < maxToDelete; i++ {
		delete(c.cache, entries[i].key)
	}
}
