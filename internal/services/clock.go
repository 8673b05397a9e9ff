// internal/services/clock.go
package services

import "time"

// Clock 抽象时间来源，自动保存的去抖计时依赖注入的时钟，
// 测试中可替换为手动推进的假时钟
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 可取消的延迟任务
type Timer interface {
	Stop() bool
}

// realClock 生产环境时钟
type realClock struct{}

// NewRealClock 返回系统时钟
func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
