// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 统一的草稿锁管理器
// 向导推进、自动保存落盘、构建和导出都以草稿为单位串行化
type LockManager struct {
	draftLocks    map[string]*LockInfo
	globalLock    sync.RWMutex
	cleanupTicker *time.Ticker
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex    *sync.RWMutex
	LastUsed time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		draftLocks: make(map[string]*LockInfo),
	}

	// 启动清理器
	lm.startCleanup()
	return lm
}

// GetDraftLock 获取草稿锁（线程安全）
func (lm *LockManager) GetDraftLock(draftID string) *sync.RWMutex {
	lm.globalLock.RLock()
	if lockInfo, exists := lm.draftLocks[draftID]; exists {
		lm.globalLock.RUnlock()
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}
	lm.globalLock.RUnlock()

	// 升级为写锁
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 双重检查（在写锁保护下是安全的）
	if lockInfo, exists := lm.draftLocks[draftID]; exists {
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}

	// 创建新锁
	lock := &sync.RWMutex{}
	lm.draftLocks[draftID] = &LockInfo{
		Mutex:    lock,
		LastUsed: time.Now(),
	}
	return lock
}

// ExecuteWithDraftLock 在草稿写锁保护下执行操作
func (lm *LockManager) ExecuteWithDraftLock(draftID string, fn func() error) error {
	lock := lm.GetDraftLock(draftID)
	lock.Lock()
	defer lock.Unlock()

	lm.touch(draftID)
	return fn()
}

// ExecuteWithDraftReadLock 在草稿读锁保护下执行操作
func (lm *LockManager) ExecuteWithDraftReadLock(draftID string, fn func() error) error {
	lock := lm.GetDraftLock(draftID)
	lock.RLock()
	defer lock.RUnlock()

	lm.touch(draftID)
	return fn()
}

// ReleaseDraftLock 删除草稿后释放对应的锁条目
func (lm *LockManager) ReleaseDraftLock(draftID string) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	delete(lm.draftLocks, draftID)
}

func (lm *LockManager) touch(draftID string) {
	lm.globalLock.Lock()
	if lockInfo, exists := lm.draftLocks[draftID]; exists {
		lockInfo.LastUsed = time.Now()
	}
	lm.globalLock.Unlock()
}

// 定期清理未使用的锁
func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for range lm.cleanupTicker.C {
			lm.cleanupUnusedLocks()
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks() {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	const maxLocks = 200
	const lockTimeout = 30 * time.Minute

	// 只有在锁数量过多时才清理
	if len(lm.draftLocks) > maxLocks {
		// 只清理长时间未使用的锁，而不是全部清理
		now := time.Now()
		for draftID, lockInfo := range lm.draftLocks {
			if now.Sub(lockInfo.LastUsed) > lockTimeout {
				delete(lm.draftLocks, draftID)
			}
		}
	}
}
