package clock

import "time"

// Clock абстрагирует время для движка синхронизации.
// Продакшен использует Real(), тесты - Fake() с ручным управлением временем.
type Clock interface {
	Now() time.Time

	// After - аналог time.After. При d <= 0 канал срабатывает сразу.
	After(d time.Duration) <-chan time.Time

	// AfterFunc - аналог time.AfterFunc. Возвращаемый Timer обязан
	// сохраняться вызывающим кодом: через него таймер отменяется при остановке.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer - отменяемый хэндл запланированного вызова.
type Timer struct {
	stopFunc func() bool
}

// Stop отменяет вызов. Возвращает false, если таймер уже сработал или был остановлен.
// Безопасен для nil-хэндла.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real возвращает часы поверх пакета time.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
