// internal/services/draft_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	apperrors "github.com/Corphon/GrantForgeAI/internal/errors"
	"github.com/Corphon/GrantForgeAI/internal/models"
	"github.com/Corphon/GrantForgeAI/internal/storage"
	"github.com/Corphon/GrantForgeAI/internal/utils"
)

// DefaultAutosaveWindow 自动保存的去抖窗口
const DefaultAutosaveWindow = 1500 * time.Millisecond

// draftEntry 内存中的活动草稿及其保存状态
type draftEntry struct {
	draft      *models.Draft
	timer      Timer
	pending    bool
	dirtySince time.Time
}

// DraftService 管理活动草稿的生命周期和自动保存
//
// 编辑只改内存并标脏，窗口期满后由计时器触发一次落盘，
// 一阵连续编辑合并成一次写入。落盘失败不丢数据：
// 脏标记保留，窗口期后重试。删除用墓碑挡住迟到的落盘，
// 避免已删除的草稿被计时器复活。
type DraftService struct {
	store  storage.DraftStore
	clock  Clock
	window time.Duration
	locks  *LockManager
	sink   EventSink

	mu      sync.RWMutex
	entries map[string]*draftEntry
	cleared map[string]time.Time

	metrics *utils.APIMetrics
}

// NewDraftService 创建草稿服务
func NewDraftService(store storage.DraftStore, clock Clock, window time.Duration, locks *LockManager, sink EventSink) *DraftService {
	if clock == nil {
		clock = NewRealClock()
	}
	if window <= 0 {
		window = DefaultAutosaveWindow
	}
	if locks == nil {
		locks = NewLockManager()
	}
	if sink == nil {
		sink = NopEventSink{}
	}

	return &DraftService{
		store:   store,
		clock:   clock,
		window:  window,
		locks:   locks,
		sink:    sink,
		entries: make(map[string]*draftEntry),
		cleared: make(map[string]time.Time),
		metrics: utils.NewAPIMetrics(),
	}
}

// Window 返回当前自动保存窗口
func (s *DraftService) Window() time.Duration {
	return s.window
}

// Locks 返回草稿锁管理器，向导和导出服务共用同一组锁
func (s *DraftService) Locks() *LockManager {
	return s.locks
}

// Create 注册新草稿并立即落盘，保证创建后即可恢复
func (s *DraftService) Create(ctx context.Context, draft *models.Draft) error {
	if draft == nil || draft.ID == "" {
		return apperrors.NewValidationError("草稿ID不能为空", nil)
	}

	now := s.clock.Now()
	draft.LastSavedAt = now
	draft.Dirty = false

	if err := s.store.Save(ctx, draft); err != nil {
		return apperrors.NewPersistenceError("保存新草稿失败", err)
	}

	s.mu.Lock()
	delete(s.cleared, draft.ID)
	s.entries[draft.ID] = &draftEntry{draft: draft}
	s.mu.Unlock()

	return nil
}

// Get 返回活动草稿；不在内存时尝试从存储恢复
// 存储中不存在（含损坏按缺失处理）返回NotFound
func (s *DraftService) Get(ctx context.Context, draftID string) (*models.Draft, error) {
	s.mu.RLock()
	entry, ok := s.entries[draftID]
	s.mu.RUnlock()
	if ok {
		return entry.draft, nil
	}

	draft, err := s.store.Load(ctx, draftID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("读取草稿失败", err)
	}
	if draft == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("草稿 %s 不存在", draftID), nil)
	}

	s.mu.Lock()
	// 双重检查，可能有并发恢复
	if existing, ok := s.entries[draftID]; ok {
		s.mu.Unlock()
		return existing.draft, nil
	}
	delete(s.cleared, draftID)
	s.entries[draftID] = &draftEntry{draft: draft}
	s.mu.Unlock()

	return draft, nil
}

// MarkDirty 标记草稿已修改并安排去抖落盘
// 窗口内的后续修改合并进同一次落盘
func (s *DraftService) MarkDirty(ctx context.Context, draftID string) error {
	s.mu.Lock()
	entry, ok := s.entries[draftID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("草稿 %s 不存在", draftID), nil)
	}

	entry.draft.Dirty = true
	if entry.pending {
		s.mu.Unlock()
		return nil
	}

	now := s.clock.Now()
	entry.pending = true
	entry.dirtySince = now
	entry.timer = s.clock.AfterFunc(s.window, func() {
		if err := s.flush(context.Background(), draftID); err != nil {
			log.Printf("⚠️ 自动保存失败 draft=%s: %v", draftID, err)
		}
	})
	s.mu.Unlock()

	s.sink.Publish(models.NewDraftEvent(models.EventAutosavePending, draftID, map[string]any{
		"pending_since": now,
	}))
	return nil
}

// FlushNow 取消挂起的计时器并立即落盘
// 步骤切换、构建、导出前都走这里，保证关键时点的数据已持久化
func (s *DraftService) FlushNow(ctx context.Context, draftID string) error {
	s.mu.Lock()
	entry, ok := s.entries[draftID]
	if ok && entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
		entry.pending = false
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.flush(ctx, draftID)
}

// flush 执行一次落盘，在草稿锁内串行化
func (s *DraftService) flush(ctx context.Context, draftID string) error {
	s.mu.Lock()
	entry, ok := s.entries[draftID]
	if ok {
		entry.pending = false
		entry.timer = nil
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	return s.locks.ExecuteWithDraftLock(draftID, func() error {
		// 墓碑检查：已删除的草稿不能被迟到的落盘复活
		s.mu.RLock()
		_, isCleared := s.cleared[draftID]
		dirty := entry.draft.Dirty
		s.mu.RUnlock()
		if isCleared || !dirty {
			return nil
		}

		start := s.clock.Now()
		snapshot := entry.draft.Clone()
		snapshot.LastSavedAt = start

		err := s.store.Save(ctx, snapshot)
		elapsed := s.clock.Now().Sub(start)
		s.metrics.RecordAutosave(err == nil, elapsed)

		if err != nil {
			s.sink.Publish(models.NewDraftEvent(models.EventAutosaveError, draftID, map[string]any{
				"error": err.Error(),
			}))
			s.scheduleRetry(draftID)
			return apperrors.NewPersistenceError("草稿落盘失败", err)
		}

		s.mu.Lock()
		entry.draft.Dirty = false
		entry.draft.LastSavedAt = start
		dirtyFor := start.Sub(entry.dirtySince)
		s.mu.Unlock()

		s.sink.Publish(models.NewDraftEvent(models.EventAutosaveSaved, draftID, map[string]any{
			"saved_at":      start,
			"dirty_for_ms":  dirtyFor.Milliseconds(),
			"flush_cost_ms": elapsed.Milliseconds(),
		}))
		return nil
	})
}

// scheduleRetry 落盘失败后保留脏标记，窗口期后重试
func (s *DraftService) scheduleRetry(draftID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[draftID]
	if !ok || entry.pending {
		return
	}
	entry.pending = true
	entry.timer = s.clock.AfterFunc(s.window, func() {
		if err := s.flush(context.Background(), draftID); err != nil {
			log.Printf("⚠️ 自动保存重试失败 draft=%s: %v", draftID, err)
		}
	})
}

// Clear 删除草稿：先立墓碑再删存储，迟到的落盘会被墓碑拦下
func (s *DraftService) Clear(ctx context.Context, draftID string) error {
	s.mu.Lock()
	if entry, ok := s.entries[draftID]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.entries, draftID)
	}
	s.cleared[draftID] = s.clock.Now()
	s.purgeTombstonesLocked()
	s.mu.Unlock()

	return s.locks.ExecuteWithDraftLock(draftID, func() error {
		if err := s.store.Delete(ctx, draftID); err != nil {
			return apperrors.NewPersistenceError("删除草稿失败", err)
		}
		return nil
	})
}

// purgeTombstonesLocked 墓碑只需要压住在途计时器，老条目定期清掉
func (s *DraftService) purgeTombstonesLocked() {
	if len(s.cleared) < 256 {
		return
	}
	cutoff := s.clock.Now().Add(-time.Hour)
	for id, at := range s.cleared {
		if at.Before(cutoff) {
			delete(s.cleared, id)
		}
	}
}

// List 列出所有草稿摘要，先冲刷脏草稿保证列表反映最新状态
func (s *DraftService) List(ctx context.Context) ([]models.DraftSummary, error) {
	s.mu.RLock()
	dirtyIDs := make([]string, 0, len(s.entries))
	for id, entry := range s.entries {
		if entry.draft.Dirty {
			dirtyIDs = append(dirtyIDs, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range dirtyIDs {
		if err := s.FlushNow(ctx, id); err != nil {
			log.Printf("⚠️ 列表前冲刷草稿失败 draft=%s: %v", id, err)
		}
	}

	summaries, err := s.store.List(ctx)
	if err != nil {
		return nil, apperrors.NewPersistenceError("列出草稿失败", err)
	}
	return summaries, nil
}

// Shutdown 停止所有计时器并冲刷剩余脏草稿
func (s *DraftService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id, entry := range s.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
			entry.pending = false
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var lastErr error
	flushed := 0
	for _, id := range ids {
		if err := s.flush(ctx, id); err != nil {
			lastErr = err
			log.Printf("⚠️ 关闭时冲刷草稿失败 draft=%s: %v", id, err)
			continue
		}
		flushed++
	}

	if flushed > 0 {
		log.Printf("✅ 关闭前已冲刷 %d 个草稿", flushed)
	}
	if lastErr != nil {
		return fmt.Errorf("部分草稿未能落盘: %w", lastErr)
	}
	return nil
}
