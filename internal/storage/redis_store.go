// internal/storage/redis_store.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// 草稿键前缀
const redisDraftPrefix = "grantforge:draft:"

// RedisDraftStore 基于Redis的草稿存储
// 一份草稿对应一个键：grantforge:draft:<id>，值为JSON，永不过期
type RedisDraftStore struct {
	rdb *redis.Client
}

// NewRedisDraftStore 创建Redis草稿存储并验证连接
func NewRedisDraftStore(addr, password string, db int) (*RedisDraftStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 验证连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	return &RedisDraftStore{rdb: rdb}, nil
}

func (rs *RedisDraftStore) draftKey(id string) string {
	return redisDraftPrefix + id
}

// Save 按ID整体覆盖保存
func (rs *RedisDraftStore) Save(ctx context.Context, draft *models.Draft) error {
	if draft == nil || draft.ID == "" {
		return fmt.Errorf("草稿缺少ID，无法保存")
	}

	data, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("序列化草稿失败: %w", err)
	}

	if err := rs.rdb.Set(ctx, rs.draftKey(draft.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("写入Redis失败: %w", err)
	}
	return nil
}

// Load 按ID读取，缺失或损坏返回 (nil, nil)
func (rs *RedisDraftStore) Load(ctx context.Context, id string) (*models.Draft, error) {
	data, err := rs.rdb.Get(ctx, rs.draftKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("读取Redis失败: %w", err)
	}

	var draft models.Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		log.Printf("⚠️ Redis中的草稿数据损坏，按缺失处理: %s: %v", id, err)
		return nil, nil
	}
	return &draft, nil
}

// Delete 按ID删除，目标不存在时同样成功
func (rs *RedisDraftStore) Delete(ctx context.Context, id string) error {
	if err := rs.rdb.Del(ctx, rs.draftKey(id)).Err(); err != nil {
		return fmt.Errorf("删除Redis键失败: %w", err)
	}
	return nil
}

// List 列出全部草稿概要，按最近保存时间倒序
func (rs *RedisDraftStore) List(ctx context.Context) ([]models.DraftSummary, error) {
	var summaries []models.DraftSummary

	iter := rs.rdb.Scan(ctx, 0, redisDraftPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), redisDraftPrefix)
		draft, err := rs.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if draft == nil {
			continue
		}
		summaries = append(summaries, draft.Summary())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("扫描Redis键失败: %w", err)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastSavedAt.After(summaries[j].LastSavedAt)
	})

	if summaries == nil {
		summaries = []models.DraftSummary{}
	}
	return summaries, nil
}

// Close 关闭Redis连接
func (rs *RedisDraftStore) Close() error {
	return rs.rdb.Close()
}
