package common

import (
	"context"
	"math/rand"
	"time"
)

// Sleeper: функция ожидания, прерываемая контекстом. Движки принимают её параметром,
// чтобы тесты не ждали по-настоящему.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep ждёт d или отмены контекста. Длинное ожидание режется на шаги по пять секунд,
// чтобы вовремя замечать остановку.
func Sleep(ctx context.Context, d time.Duration) error {
	const step = 5 * time.Second
	for remaining := d; remaining > 0; {
		cur := step
		if remaining < cur {
			cur = remaining
		}
		t := time.NewTimer(cur)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		remaining -= cur
	}
	return ctx.Err()
}

// Jitter возвращает base ± spread, но не меньше floor.
func Jitter(base, spread, floor time.Duration) time.Duration {
	d := base
	if spread > 0 {
		d += time.Duration(rand.Int63n(int64(2*spread)+1)) - spread
	}
	if d < floor {
		d = floor
	}
	return d
}

// Clamp ограничивает d отрезком [lo, hi].
func Clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
