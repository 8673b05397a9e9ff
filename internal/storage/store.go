// internal/storage/store.go
package storage

import (
	"context"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// DraftStore 草稿持久化契约
// 键值式存储：一份草稿对应一个JSON文档，整体覆盖写入，无部分更新
//
// Load 对"不存在"与"内容损坏"一视同仁地返回 (nil, nil)：
// 损坏的存量数据只记日志，调用方当作全新开始，绝不向向导层抛解析错误
type DraftStore interface {
	// Save 按ID整体覆盖保存
	Save(ctx context.Context, draft *models.Draft) error

	// Load 按ID读取，缺失或损坏返回 (nil, nil)
	Load(ctx context.Context, id string) (*models.Draft, error)

	// Delete 按ID删除，目标不存在时同样成功
	Delete(ctx context.Context, id string) error

	// List 列出全部草稿概要
	List(ctx context.Context) ([]models.DraftSummary, error)
}

// 存储后端名称
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var _ DraftStore = (*FileDraftStore)(nil)
var _ DraftStore = (*MemoryDraftStore)(nil)
var _ DraftStore = (*RedisDraftStore)(nil)
