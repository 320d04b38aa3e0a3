package runtime

import "context"

// AccountLock: взаимное исключение операций одного аккаунта.
// В отличие от sync.Mutex ожидание прерывается контекстом.
type AccountLock struct {
	ch chan struct{}
}

func NewAccountLock() *AccountLock {
	return &AccountLock{ch: make(chan struct{}, 1)}
}

// Lock ждёт освобождения блокировки или отмены контекста.
func (l *AccountLock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *AccountLock) Unlock() {
	select {
	case <-l.ch:
	default:
		panic("runtime: unlock of unlocked account lock")
	}
}
