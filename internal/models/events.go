// internal/models/events.go
package models

import (
	"time"
)

// 草稿事件类型，经WebSocket推送给编辑界面
const (
	EventAutosavePending     = "autosave.pending"
	EventAutosaveSaved       = "autosave.saved"
	EventAutosaveError       = "autosave.error"
	EventStepChanged         = "step.changed"
	EventGenerationStarted   = "generation.started"
	EventGenerationTier      = "generation.tier"
	EventGenerationCompleted = "generation.completed"
	EventGenerationDiscarded = "generation.discarded"
	EventBatchProgress       = "batch.progress"
	EventBuildCompleted      = "build.completed"
	EventDraftReopened       = "draft.reopened"
	EventDraftReset          = "draft.reset"
	EventExportCompleted     = "export.completed"
)

// DraftEvent 草稿房间内广播的事件
type DraftEvent struct {
	Type      string         `json:"type"`
	DraftID   string         `json:"draft_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewDraftEvent 构造带当前时间戳的事件
func NewDraftEvent(eventType, draftID string, payload map[string]any) DraftEvent {
	return DraftEvent{
		Type:      eventType,
		DraftID:   draftID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
