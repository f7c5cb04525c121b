package connectors

import (
	"errors"
	"fmt"
)

// ErrorKind классифицирует отказ запроса к realtime-бэкенду.
type ErrorKind int

const (
	KindTransient ErrorKind = iota // Сеть, 5xx, любые не-2xx кроме 404
	KindTimeout                    // Превышен жесткий таймаут запроса
	KindNotFound                   // 404: эндпоинта нет, повторять бессмысленно
	KindMalformed                  // Тело распарсилось, но форма не та (или success=false)
	KindCanceled                   // Запрос отменен владельцем (остановка, смена экрана)
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// FetchError - единый тип ошибки коннектора.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int // 0, если до HTTP-ответа не дошли
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime fetch %s (http %d): %v", e.Kind, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("realtime fetch %s: %v", e.Kind, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// KindOf достает класс ошибки. Все, что не FetchError, считается transient.
func KindOf(err error) ErrorKind {
	var fErr *FetchError
	if errors.As(err, &fErr) {
		return fErr.Kind
	}
	return KindTransient
}

func newFetchError(kind ErrorKind, status int, cause error) *FetchError {
	return &FetchError{Kind: kind, StatusCode: status, Cause: cause}
}
