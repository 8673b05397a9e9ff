// internal/storage/store_test.go
package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// 两个本地后端跑同一套契约用例，Redis后端共享实现逻辑但需要外部服务
func runStoreContract(t *testing.T, name string, newStore func(t *testing.T) DraftStore) {
	ctx := context.Background()

	t.Run(name+"/round_trip", func(t *testing.T) {
		store := newStore(t)

		draft := models.NewDraft("d-roundtrip", "设备更新补助申请", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
		draft.CurrentStepIndex = 3
		draft.StepData["applicant"] = map[string]any{
			"company_name": "山田精密工业",
			"industry":     "製造業",
		}
		draft.GeneratedSections[models.SectionNecessity] = models.GeneratedContent{
			Text:        "本项目旨在……",
			Mode:        models.GenerationModeDegradedRetry,
			GeneratedAt: time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC),
		}
		draft.LastSavedAt = time.Date(2026, 3, 1, 9, 6, 0, 0, time.UTC)

		require.NoError(t, store.Save(ctx, draft))

		loaded, err := store.Load(ctx, draft.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, draft.ID, loaded.ID)
		assert.Equal(t, 3, loaded.CurrentStepIndex)
		assert.Equal(t, "山田精密工业", loaded.StepData["applicant"]["company_name"])
		assert.Equal(t, models.GenerationModeDegradedRetry, loaded.GeneratedSections[models.SectionNecessity].Mode)
		assert.False(t, loaded.Dirty, "Dirty标志不落盘")
	})

	t.Run(name+"/missing_returns_nil", func(t *testing.T) {
		store := newStore(t)

		loaded, err := store.Load(ctx, "no-such-draft")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run(name+"/delete_idempotent", func(t *testing.T) {
		store := newStore(t)

		draft := models.NewDraft("d-delete", "测试", time.Now())
		require.NoError(t, store.Save(ctx, draft))
		require.NoError(t, store.Delete(ctx, draft.ID))

		loaded, err := store.Load(ctx, draft.ID)
		require.NoError(t, err)
		assert.Nil(t, loaded)

		// 再删一次仍然成功
		require.NoError(t, store.Delete(ctx, draft.ID))
		require.NoError(t, store.Delete(ctx, "never-existed"))
	})

	t.Run(name+"/list_ordering", func(t *testing.T) {
		store := newStore(t)

		older := models.NewDraft("d-older", "旧草稿", time.Now())
		older.LastSavedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		newer := models.NewDraft("d-newer", "新草稿", time.Now())
		newer.LastSavedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, store.Save(ctx, older))
		require.NoError(t, store.Save(ctx, newer))

		summaries, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		assert.Equal(t, "d-newer", summaries[0].ID)
		assert.Equal(t, "d-older", summaries[1].ID)
	})

	t.Run(name+"/overwrite_keeps_latest", func(t *testing.T) {
		store := newStore(t)

		draft := models.NewDraft("d-overwrite", "标题一", time.Now())
		require.NoError(t, store.Save(ctx, draft))

		draft.Title = "标题二"
		draft.CurrentStepIndex = 5
		require.NoError(t, store.Save(ctx, draft))

		loaded, err := store.Load(ctx, draft.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "标题二", loaded.Title)
		assert.Equal(t, 5, loaded.CurrentStepIndex)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, "memory", func(t *testing.T) DraftStore {
		return NewMemoryDraftStore()
	})
}

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, "file", func(t *testing.T) DraftStore {
		store, err := NewFileDraftStore(t.TempDir())
		require.NoError(t, err)
		return store
	})
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDraftStore()

	draft := models.NewDraft("d-iso", "隔离测试", time.Now())
	require.NoError(t, store.Save(ctx, draft))

	// 保存后修改原对象不应影响存储内容
	draft.Title = "被篡改"
	draft.StepData["applicant"] = map[string]any{"company_name": "x"}

	loaded, err := store.Load(ctx, "d-iso")
	require.NoError(t, err)
	assert.Equal(t, "隔离测试", loaded.Title)
	assert.Empty(t, loaded.StepData)

	// 读取结果同样是快照
	loaded.Title = "再次篡改"
	again, err := store.Load(ctx, "d-iso")
	require.NoError(t, err)
	assert.Equal(t, "隔离测试", again.Title)
}

func TestFileStoreCorruptionTreatedAsMissing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileDraftStore(dir)
	require.NoError(t, err)

	// 直接写入损坏的JSON
	corruptPath := filepath.Join(dir, "d-corrupt.json")
	require.NoError(t, os.WriteFile(corruptPath, []byte("{not valid json"), 0644))

	loaded, err := store.Load(ctx, "d-corrupt")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// 损坏的文件不出现在列表里
	good := models.NewDraft("d-good", "正常草稿", time.Now())
	require.NoError(t, store.Save(ctx, good))

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "d-good", summaries[0].ID)
}

func TestFileStoreAtomicWriteLeavesNoTemp(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileDraftStore(dir)
	require.NoError(t, err)

	draft := models.NewDraft("d-atomic", "原子写入", time.Now())
	require.NoError(t, store.Save(ctx, draft))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp")
	}
}
