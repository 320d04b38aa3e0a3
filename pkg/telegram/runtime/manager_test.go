package runtime_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"fwdfleet/models"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/runtime/runtimetest"
	"fwdfleet/pkg/telegram/tgclient"
)

const phone = "+10000000001"

func newManager(t *testing.T, store *runtimetest.Store, conns map[string]*runtimetest.Conn) (*runtime.Manager, *int) {
	t.Helper()
	var (
		calls int
		mu    sync.Mutex
	)
	m := runtime.NewManager(store, runtimetest.Factory(conns, &calls, &mu), runtime.Options{
		QueueSize:      8,
		ConnectTimeout: time.Second,
		Grace:          50 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, &calls
}

func TestAcquireIsIdempotentUnderConcurrency(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	m, calls := newManager(t, store, map[string]*runtimetest.Conn{})

	const n = 20
	handles := make([]*runtime.Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Acquire(context.Background(), phone)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("получены разные Handle для одного аккаунта")
		}
	}
	if *calls != 1 {
		t.Fatalf("ожидали одно соединение, создано %d", *calls)
	}
}

func TestAcquireMissingOrDisabled(t *testing.T) {
	disabled := runtimetest.ActiveAccount("+2")
	disabled.Status = models.AccountInactive
	store := runtimetest.NewStore(disabled)
	m, calls := newManager(t, store, map[string]*runtimetest.Conn{})

	if _, err := m.Acquire(context.Background(), "+missing"); !errors.Is(err, runtime.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound для отсутствующего аккаунта, получили %v", err)
	}
	if _, err := m.Acquire(context.Background(), "+2"); !errors.Is(err, runtime.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound для отключённого аккаунта, получили %v", err)
	}
	if *calls != 0 {
		t.Fatalf("соединения не должны создаваться")
	}
}

func TestInitialConnectMarksAccountActive(t *testing.T) {
	acc := runtimetest.ActiveAccount(phone)
	acc.Status = models.AccountInitializing
	store := runtimetest.NewStore(acc)
	conn := &runtimetest.Conn{Username: "worker_one"}
	m, _ := newManager(t, store, map[string]*runtimetest.Conn{phone: conn})

	h, err := m.Acquire(context.Background(), phone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	runtimetest.WaitIdle(t, h)

	if got := store.Status(phone); got != models.AccountActive {
		t.Fatalf("ожидали статус active, получили %s", got)
	}
	if !conn.Connected() || conn.Connects != 1 {
		t.Fatalf("ожидали одно подключение, было %d", conn.Connects)
	}

	// Повторная проверка при живом соединении ничего не делает.
	if err := h.Do(context.Background(), func(ctx context.Context) error { return m.Connect(ctx, h) }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Connects != 1 {
		t.Fatalf("повторное подключение при живом соединении")
	}
}

func TestInvalidSessionDeletesBlobAndRetiresHandle(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	conn := &runtimetest.Conn{SelfErr: tgerr.New(401, "AUTH_KEY_UNREGISTERED")}
	m, _ := newManager(t, store, map[string]*runtimetest.Conn{phone: conn})

	h, err := m.Acquire(context.Background(), phone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("исполнитель не остановился после испорченной сессии")
	}

	if store.HasSession(phone) {
		t.Fatalf("испорченная сессия должна быть удалена")
	}
	if got := store.Status(phone); got != models.AccountError {
		t.Fatalf("ожидали статус error, получили %s", got)
	}
	if _, ok := m.Lookup(phone); ok {
		t.Fatalf("Handle должен быть снят")
	}
	if err := h.Submit(func(context.Context) {}); !errors.Is(err, runtime.ErrStopped) {
		t.Fatalf("ожидали ErrStopped, получили %v", err)
	}
}

func TestConnectionFailureKeepsHandle(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	conn := &runtimetest.Conn{ConnectErr: errors.New("dial tcp: refused")}
	m, _ := newManager(t, store, map[string]*runtimetest.Conn{phone: conn})

	h, err := m.Acquire(context.Background(), phone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	runtimetest.WaitIdle(t, h)

	if got := store.Status(phone); got != models.AccountError {
		t.Fatalf("ожидали статус error, получили %s", got)
	}
	acc, _ := store.GetAccount(context.Background(), phone)
	if acc.LastError == nil || *acc.LastError != string(models.ReasonConnection) {
		t.Fatalf("ожидали причину connection_failure, получили %v", acc.LastError)
	}
	if _, ok := m.Lookup(phone); !ok {
		t.Fatalf("при сбое соединения Handle остаётся для повторной попытки")
	}
	if !store.HasSession(phone) {
		t.Fatalf("сессия при сбое соединения не удаляется")
	}
}

func TestAccountLockSerializesHolders(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	m, _ := newManager(t, store, map[string]*runtimetest.Conn{})
	h, err := m.Acquire(context.Background(), phone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := h.Lock(context.Background())
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("внутри блокировки одновременно находилось %d владельцев", maxInside)
	}

	unlock, _ := h.Lock(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ожидание занятой блокировки должно прерываться контекстом, получили %v", err)
	}
	unlock()
}

func TestReleaseStopsExecutorAndDisconnects(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	conn := &runtimetest.Conn{}
	m, _ := newManager(t, store, map[string]*runtimetest.Conn{phone: conn})

	h, err := m.Acquire(context.Background(), phone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	runtimetest.WaitIdle(t, h)

	if !m.Release(context.Background(), phone) {
		t.Fatalf("Release должен найти Handle")
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("исполнитель должен быть остановлен")
	}
	if conn.Connected() {
		t.Fatalf("соединение должно быть закрыто")
	}
	if m.Release(context.Background(), phone) {
		t.Fatalf("повторный Release ничего не находит")
	}
}

func TestShutdownCancelsLongOperationAfterGrace(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	m, _ := newManager(t, store, map[string]*runtimetest.Conn{})
	h, err := m.Acquire(context.Background(), phone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	runtimetest.WaitIdle(t, h)

	started := make(chan struct{})
	var canceled atomic.Bool
	if err := h.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	begin := time.Now()
	m.Shutdown(context.Background())
	if !canceled.Load() {
		t.Fatalf("после истечения grace операция должна получить отмену")
	}
	if time.Since(begin) > 3*time.Second {
		t.Fatalf("остановка заняла слишком много времени")
	}
	if _, err := m.Acquire(context.Background(), phone); !errors.Is(err, runtime.ErrClosed) {
		t.Fatalf("после остановки ожидали ErrClosed, получили %v", err)
	}
}

func TestDisableReleasesAndEnableReacquires(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	m, calls := newManager(t, store, map[string]*runtimetest.Conn{})

	if _, err := m.Acquire(context.Background(), phone); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Disable(context.Background(), phone); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if store.Status(phone) != models.AccountInactive {
		t.Fatalf("ожидали inactive")
	}
	if _, err := m.Acquire(context.Background(), phone); !errors.Is(err, runtime.ErrNotFound) {
		t.Fatalf("отключённый аккаунт не поднимается: %v", err)
	}

	h, err := m.Enable(context.Background(), phone)
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	runtimetest.WaitIdle(t, h)
	if *calls != 2 || store.Status(phone) != models.AccountActive {
		t.Fatalf("после включения ожидали новое соединение и active, calls=%d status=%s", *calls, store.Status(phone))
	}
}

func TestWithAccountRunsUnderLockAndMarksFatal(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	conn := &runtimetest.Conn{Chats: []tgclient.Chat{{ID: -1, Title: "chat"}}}
	m, _ := newManager(t, store, map[string]*runtimetest.Conn{phone: conn})

	var chats []tgclient.Chat
	err := m.WithAccount(context.Background(), phone, func(ctx context.Context, c runtime.Conn) error {
		var err error
		chats, err = c.JoinedChats(ctx)
		return err
	})
	if err != nil || len(chats) != 1 {
		t.Fatalf("ожидали список чатов, получили %v, %v", chats, err)
	}

	err = m.WithAccount(context.Background(), phone, func(context.Context, runtime.Conn) error {
		return tgerr.New(403, "USER_DEACTIVATED_BAN")
	})
	if err == nil {
		t.Fatalf("ожидали ошибку")
	}
	if store.Status(phone) != models.AccountError {
		t.Fatalf("бан переводит аккаунт в error")
	}
	if _, ok := m.Lookup(phone); ok {
		t.Fatalf("после бана Handle снят")
	}
}

func TestReleaseHandsQueuedOperationsToCleanup(t *testing.T) {
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	m, _ := newManager(t, store, map[string]*runtimetest.Conn{})
	h, err := m.Acquire(context.Background(), phone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	runtimetest.WaitIdle(t, h)

	started := make(chan struct{})
	if err := h.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	var (
		calls   atomic.Int32
		dropped atomic.Bool
	)
	if err := h.Submit(func(ctx context.Context) {
		calls.Add(1)
		dropped.Store(runtime.Dropped(ctx) && ctx.Err() != nil)
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	m.Release(context.Background(), phone)
	<-h.Done()
	if calls.Load() != 1 || !dropped.Load() {
		t.Fatalf("операция из очереди должна быть вызвана один раз с отменённым контекстом: calls=%d dropped=%v",
			calls.Load(), dropped.Load())
	}
	if err := h.Do(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, runtime.ErrStopped) {
		t.Fatalf("ожидали ErrStopped, получили %v", err)
	}
	if runtime.Dropped(context.Background()) {
		t.Fatalf("обычный контекст не считается снятым")
	}
}

func TestAcquireWithoutCredentialsMarksError(t *testing.T) {
	acc := runtimetest.ActiveAccount(phone)
	acc.ApiHash = ""
	store := runtimetest.NewStore(acc)
	m, calls := newManager(t, store, map[string]*runtimetest.Conn{})

	if _, err := m.Acquire(context.Background(), phone); !errors.Is(err, runtime.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound без app hash, получили %v", err)
	}
	if *calls != 0 {
		t.Fatalf("соединение без учётных данных не создаётся")
	}
	got, _ := store.GetAccount(context.Background(), phone)
	if got.Status != models.AccountError || got.LastError == nil || *got.LastError != string(models.ReasonInvalidCreds) {
		t.Fatalf("аккаунт без учётных данных переводится в error: %+v", got)
	}
}
