// internal/storage/memory_store.go
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// MemoryDraftStore 纯内存草稿存储
// 测试与控制台演示使用，进程退出即消失
type MemoryDraftStore struct {
	mu     sync.RWMutex
	drafts map[string]*models.Draft
}

// NewMemoryDraftStore 创建内存草稿存储
func NewMemoryDraftStore() *MemoryDraftStore {
	return &MemoryDraftStore{
		drafts: make(map[string]*models.Draft),
	}
}

// Save 按ID整体覆盖保存
func (ms *MemoryDraftStore) Save(ctx context.Context, draft *models.Draft) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	// 存快照，防止调用方后续修改穿透到存储
	ms.drafts[draft.ID] = draft.Clone()
	return nil
}

// Load 按ID读取，缺失返回 (nil, nil)
func (ms *MemoryDraftStore) Load(ctx context.Context, id string) (*models.Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	draft, ok := ms.drafts[id]
	if !ok {
		return nil, nil
	}
	return draft.Clone(), nil
}

// Delete 按ID删除，目标不存在时同样成功
func (ms *MemoryDraftStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.drafts, id)
	return nil
}

// List 列出全部草稿概要，按最近保存时间倒序
func (ms *MemoryDraftStore) List(ctx context.Context) ([]models.DraftSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	summaries := make([]models.DraftSummary, 0, len(ms.drafts))
	for _, draft := range ms.drafts {
		summaries = append(summaries, draft.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastSavedAt.After(summaries[j].LastSavedAt)
	})

	return summaries, nil
}
