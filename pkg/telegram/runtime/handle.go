package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrStopped: исполнитель аккаунта остановлен, операция не будет выполнена.
	ErrStopped = errors.New("account runtime stopped")
	// ErrBusy: очередь исполнителя переполнена.
	ErrBusy = errors.New("account runtime queue is full")
)

// Op: операция, выполняемая на исполнителе аккаунта. ctx отменяется при жёсткой остановке.
// Операция, оставшаяся в очереди после остановки, всё равно вызывается один раз
// с уже отменённым контекстом, для которого Dropped возвращает true.
type Op func(ctx context.Context)

var droppedCtx = func() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrStopped)
	return ctx
}()

// Dropped сообщает, что операция снята с остановленного исполнителя и не должна работать с Telegram.
func Dropped(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrStopped)
}

// Handle: живая связка аккаунта, его соединения, исполнителя и блокировки.
type Handle struct {
	Phone string

	conn Conn
	lock *AccountLock
	log  zerolog.Logger

	ops      chan Op
	opsMu    sync.Mutex
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// verified меняется только на исполнителе.
	verified bool
}

func newHandle(phone string, conn Conn, queue int, log zerolog.Logger) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		Phone:  phone,
		conn:   conn,
		lock:   NewAccountLock(),
		log:    log.With().Str("phone", phone).Logger(),
		ops:    make(chan Op, queue),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.drain()
	for {
		select {
		case <-h.stop:
			return
		case <-h.ctx.Done():
			return
		case op := <-h.ops:
			if h.Stopping() {
				h.exec(droppedCtx, op)
				return
			}
			h.exec(h.ctx, op)
		}
	}
}

// drain закрывает очередь и отдаёт оставшиеся операции на очистку.
func (h *Handle) drain() {
	h.opsMu.Lock()
	h.closed = true
	h.opsMu.Unlock()
	dropped := 0
	for {
		select {
		case op := <-h.ops:
			h.exec(droppedCtx, op)
			dropped++
		default:
			if dropped > 0 {
				h.log.Warn().Int("dropped", dropped).Msg("queued operations dropped on stop")
			}
			return
		}
	}
}

func (h *Handle) exec(ctx context.Context, op Op) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("panic", fmt.Sprint(r)).Msg("operation panicked")
		}
	}()
	op(ctx)
}

// Conn возвращает соединение. Использовать только внутри операции исполнителя.
func (h *Handle) Conn() Conn { return h.conn }

// Lock захватывает блокировку аккаунта и возвращает функцию освобождения.
func (h *Handle) Lock(ctx context.Context) (func(), error) {
	if err := h.lock.Lock(ctx); err != nil {
		return nil, err
	}
	return h.lock.Unlock, nil
}

// Submit ставит операцию в очередь исполнителя и сразу возвращается.
func (h *Handle) Submit(op Op) error {
	h.opsMu.Lock()
	defer h.opsMu.Unlock()
	if h.closed || h.Stopping() {
		return ErrStopped
	}
	select {
	case h.ops <- op:
		return nil
	default:
		return ErrBusy
	}
}

// Do выполняет операцию на исполнителе и ждёт её результата.
func (h *Handle) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	err := h.Submit(func(opCtx context.Context) {
		if Dropped(opCtx) {
			res <- ErrStopped
			return
		}
		res <- fn(opCtx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-h.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopping сообщает, что запрошена мягкая остановка.
// Длинные операции проверяют его между шагами.
func (h *Handle) Stopping() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Done закрывается, когда горутина-исполнитель завершилась.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) softStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}
