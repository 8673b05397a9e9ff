// internal/services/events.go
package services

import "github.com/Corphon/GrantForgeAI/internal/models"

// EventSink 接收草稿领域事件
// WebSocket层实现该接口并把事件推送给订阅了对应草稿的客户端
type EventSink interface {
	Publish(event models.DraftEvent)
}

// NopEventSink 丢弃所有事件，测试和命令行工具使用
type NopEventSink struct{}

// Publish 实现EventSink
func (NopEventSink) Publish(models.DraftEvent) {}
