package engine

import "time"

const (
	// WarmupDelay - пауза перед первым запросом после (пере)включения опроса.
	// Разносит во времени старт нескольких экранов/инстансов.
	WarmupDelay = 3 * time.Second

	// HealthInterval - период диагностической проверки бэкенда.
	HealthInterval = 5 * time.Minute

	// DebounceWindow - окно тишины после изменения видимой области.
	DebounceWindow = 2 * time.Second

	// FallbackBatchSize - сколько первых кандидатов опрашивать, если видимой области нет.
	FallbackBatchSize = 40
)

type intervalBand struct {
	upTo     int // включительно; 0 = без верхней границы
	interval time.Duration
}

// Чем больше набор, тем реже опрос: бэкенд медленный, запросы не должны наслаиваться.
var (
	visibleBands = []intervalBand{
		{upTo: 5, interval: 8 * time.Second},
		{upTo: 10, interval: 12 * time.Second},
		{upTo: 20, interval: 15 * time.Second},
		{upTo: 0, interval: 20 * time.Second},
	}
	candidateBands = []intervalBand{
		{upTo: 10, interval: 10 * time.Second},
		{upTo: 25, interval: 15 * time.Second},
		{upTo: 50, interval: 20 * time.Second},
		{upTo: 100, interval: 25 * time.Second},
		{upTo: 0, interval: 30 * time.Second},
	}
)

// PollInterval возвращает период опроса. visibleCount <= 0 означает, что данных
// о видимой области нет, и интервал считается по общему числу кандидатов.
func PollInterval(candidateCount, visibleCount int) time.Duration {
	if visibleCount > 0 {
		return pickBand(visibleBands, visibleCount)
	}
	return pickBand(candidateBands, candidateCount)
}

func pickBand(bands []intervalBand, n int) time.Duration {
	for _, b := range bands {
		if b.upTo == 0 || n <= b.upTo {
			return b.interval
		}
	}
	return bands[len(bands)-1].interval
}
