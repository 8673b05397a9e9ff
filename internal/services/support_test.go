// internal/services/support_test.go
package services

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/GrantForgeAI/internal/genai"
	"github.com/Corphon/GrantForgeAI/internal/models"
)

func TestMain(m *testing.M) {
	// 阶梯时序缩到毫秒级，测试不做真实等待
	genai.PrimaryTimeout = 200 * time.Millisecond
	genai.RetryDelay = time.Millisecond
	genai.RetryTimeout = 100 * time.Millisecond
	genai.BatchSpacing = time.Millisecond
	os.Exit(m.Run())
}

// fakeClock 手动推进的时钟
// Advance在当前goroutine同步触发到期的计时器回调
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance 推进时钟并触发到期的计时器
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	c.timers = remaining
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// pendingTimers 尚未触发也未停止的计时器数量
func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// stubStore 内存存储，可注入写失败
type stubStore struct {
	mu        sync.Mutex
	drafts    map[string]*models.Draft
	saveCalls int
	failSaves int // 剩余的注入失败次数
}

func newStubStore() *stubStore {
	return &stubStore{drafts: make(map[string]*models.Draft)}
}

func (s *stubStore) Save(_ context.Context, draft *models.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveCalls++
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("磁盘已满")
	}
	s.drafts[draft.ID] = draft.Clone()
	return nil
}

func (s *stubStore) Load(_ context.Context, id string) (*models.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[id]
	if !ok {
		return nil, nil
	}
	return draft.Clone(), nil
}

func (s *stubStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.drafts, id)
	return nil
}

func (s *stubStore) List(_ context.Context) ([]models.DraftSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]models.DraftSummary, 0, len(s.drafts))
	for _, draft := range s.drafts {
		summaries = append(summaries, draft.Summary())
	}
	return summaries, nil
}

func (s *stubStore) failNextSaves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = n
}

func (s *stubStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

func (s *stubStore) savedDraft(id string) *models.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[id]
	if !ok {
		return nil
	}
	return draft.Clone()
}

// captureSink 记录广播的全部事件
type captureSink struct {
	mu     sync.Mutex
	events []models.DraftEvent
}

func (s *captureSink) Publish(event models.DraftEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) byType(eventType string) []models.DraftEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.DraftEvent
	for _, event := range s.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func (s *captureSink) count(eventType string) int {
	return len(s.byType(eventType))
}

// 各步骤的有效表单数据，多个测试共用

func validApplicantData() map[string]any {
	return map[string]any{
		"company_name":   "山田精密工业",
		"industry":       "製造業",
		"employee_count": float64(42),
		"founded_year":   float64(1998),
	}
}

func validBusinessData() map[string]any {
	return map[string]any{
		"summary":       "本公司专注精密零部件加工二十余年，为汽车及机床行业提供高精度部件。",
		"main_products": "精密轴承、定制齿轮",
	}
}

func validPlanData() map[string]any {
	return map[string]any{
		"plan_body":       "引入六轴机械臂与自动供料线替代现有人工上下料工位，分三阶段完成设备选型、安装调试与产线切换，并对操作人员开展为期两个月的转岗培训。",
		"schedule_months": float64(12),
	}
}

func validBudgetData() map[string]any {
	return map[string]any{
		"items": []any{
			map[string]any{"name": "六轴机械臂", "amount": float64(3200000)},
			map[string]any{"name": "自动供料线", "amount": float64(1300000)},
		},
		"declared_total": float64(4500000),
	}
}

func validEffectData() map[string]any {
	return map[string]any{
		"metric_name":   "人均月产能",
		"current_value": float64(1200),
		"target_value":  float64(1800),
		"target_year":   float64(2027),
	}
}

func validConfirmData() map[string]any {
	return map[string]any{"agreed": true}
}

// fillGeneratedSections 为草稿补齐全部AI章节
func fillGeneratedSections(draft *models.Draft, mode string, at time.Time) {
	for _, sectionID := range models.AISections() {
		draft.GeneratedSections[sectionID] = models.GeneratedContent{
			Text:        "针对" + models.SectionHeading(sectionID) + "的说明文本。",
			Mode:        mode,
			GeneratedAt: at,
		}
	}
}
