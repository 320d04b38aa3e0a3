package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"fwdfleet/models"
	"fwdfleet/pkg/storage"
	"fwdfleet/pkg/telegram/tgclient"
)

var (
	// ErrNotFound: аккаунта нет в хранилище или он отключён оператором.
	ErrNotFound = errors.New("account runtime unavailable")
	// ErrClosed: менеджер уже остановлен.
	ErrClosed = errors.New("runtime manager is shut down")
)

type Options struct {
	QueueSize      int
	ConnectTimeout time.Duration
	Grace          time.Duration
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 10 * time.Second
	}
}

// Manager: таблица владения: номер телефона → Handle.
// Создание и удаление записей выполняются только его методами.
type Manager struct {
	store   Store
	factory ConnFactory
	opts    Options
	log     zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
	group   singleflight.Group
}

func NewManager(store Store, factory ConnFactory, opts Options, log zerolog.Logger) *Manager {
	opts.setDefaults()
	return &Manager{
		store:   store,
		factory: factory,
		opts:    opts,
		log:     log.With().Str("component", "runtime").Logger(),
		handles: make(map[string]*Handle),
	}
}

// Lookup возвращает живой Handle без создания нового.
func (m *Manager) Lookup(phone string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[phone]
	return h, ok
}

// Acquire возвращает живой Handle аккаунта или создаёт его.
// Одновременные вызовы для одного номера получают один и тот же Handle.
func (m *Manager) Acquire(ctx context.Context, phone string) (*Handle, error) {
	if h, ok := m.Lookup(phone); ok {
		return h, nil
	}
	v, err, _ := m.group.Do(phone, func() (any, error) {
		if h, ok := m.Lookup(phone); ok {
			return h, nil
		}
		return m.create(ctx, phone)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (m *Manager) create(ctx context.Context, phone string) (*Handle, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	acc, err := m.store.GetAccount(ctx, phone)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "account %s", phone)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}
	if acc.Disabled() {
		return nil, errors.Wrapf(ErrNotFound, "account %s is disabled", phone)
	}
	if !acc.HasCredentials() {
		reason := string(models.ReasonInvalidCreds)
		if err := m.store.UpdateAccountStatus(ctx, phone, models.AccountError, &reason); err != nil {
			m.log.Error().Err(err).Str("phone", phone).Msg("update account status")
		}
		return nil, errors.Wrapf(ErrNotFound, "account %s has no app credentials", phone)
	}

	conn, err := m.factory(*acc)
	if err != nil {
		reason := string(models.ReasonInternal)
		_ = m.store.UpdateAccountStatus(ctx, phone, models.AccountError, &reason)
		return nil, errors.Wrap(err, "create connection")
	}

	h := newHandle(phone, conn, m.opts.QueueSize, m.log)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.softStop()
		return nil, ErrClosed
	}
	m.handles[phone] = h
	m.mu.Unlock()

	m.log.Info().Str("phone", phone).Msg("runtime created")

	// Первичное подключение и проверка авторизации идут первой операцией на исполнителе.
	if err := h.Submit(func(ctx context.Context) {
		_ = m.Connect(ctx, h)
	}); err != nil {
		m.log.Warn().Err(err).Str("phone", phone).Msg("initial connect not queued")
	}
	return h, nil
}

// Connect подключает аккаунт, если соединения нет, и проверяет авторизацию.
// Вызывается только на исполнителе аккаунта. Результат отражается в хранилище.
func (m *Manager) Connect(ctx context.Context, h *Handle) error {
	if err := ctx.Err(); err != nil {
		return tgclient.Failure{Kind: tgclient.KindCanceled, Err: err}
	}
	conn := h.conn
	if conn.Connected() && h.verified {
		return nil
	}

	if !conn.Connected() {
		h.verified = false
		m.setStatus(ctx, h.Phone, models.AccountConnecting, nil)
		cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		err := conn.Connect(cctx)
		cancel()
		if err != nil {
			f := tgclient.Classify(err)
			if f.Kind == tgclient.KindCanceled || ctx.Err() != nil {
				return f
			}
			if !f.Fatal() {
				f = tgclient.Failure{Kind: tgclient.KindConnection, Err: err}
			}
			m.Fail(ctx, h, f)
			return f
		}
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	self, err := conn.Self(cctx)
	cancel()
	if err != nil {
		f := tgclient.Classify(err)
		switch {
		case f.Kind == tgclient.KindCanceled || ctx.Err() != nil:
		case f.Kind == tgclient.KindFloodWait:
			h.log.Warn().Dur("wait", f.Wait).Msg("flood wait on authorization check")
		case f.Fatal():
			m.Fail(ctx, h, f)
		default:
			m.Fail(ctx, h, tgclient.Failure{Kind: tgclient.KindConnection, Err: err})
		}
		return f
	}

	h.verified = true
	if err := m.store.MarkAccountActive(ctx, h.Phone, self.Username); err != nil {
		h.log.Error().Err(err).Msg("mark account active")
	}
	h.log.Info().Str("username", self.Username).Msg("account authorized")
	return nil
}

// ConnectIfNeeded: Connect в виде флага успеха.
func (m *Manager) ConnectIfNeeded(ctx context.Context, h *Handle) bool {
	return m.Connect(ctx, h) == nil
}

// Fail отражает фатальную ошибку аккаунта в хранилище.
// Для испорченной сессии удаляет её, для испорченной сессии и бана снимает Handle.
// Вызывается только на исполнителе аккаунта.
func (m *Manager) Fail(ctx context.Context, h *Handle, f tgclient.Failure) {
	reason := string(f.Reason())
	h.log.Error().Err(f.Err).Str("reason", reason).Msg("account failure")

	switch f.Kind {
	case tgclient.KindSessionInvalid:
		if err := m.store.DeleteSession(ctx, h.Phone); err != nil {
			h.log.Error().Err(err).Msg("delete invalid session")
		}
		m.setStatus(ctx, h.Phone, models.AccountError, &reason)
		m.retire(h)
	case tgclient.KindBanned:
		m.setStatus(ctx, h.Phone, models.AccountError, &reason)
		m.retire(h)
	default:
		h.verified = false
		m.setStatus(ctx, h.Phone, models.AccountError, &reason)
	}
}

// retire снимает Handle изнутри его собственного исполнителя: без ожидания завершения.
func (m *Manager) retire(h *Handle) {
	m.detach(h)
	h.softStop()
	if err := h.conn.Disconnect(); err != nil {
		h.log.Warn().Err(err).Msg("disconnect")
	}
}

func (m *Manager) detach(h *Handle) {
	m.mu.Lock()
	if cur, ok := m.handles[h.Phone]; ok && cur == h {
		delete(m.handles, h.Phone)
	}
	m.mu.Unlock()
}

// Release останавливает исполнитель аккаунта, отключает соединение и удаляет Handle.
// Нельзя вызывать из операции на исполнителе того же аккаунта.
func (m *Manager) Release(ctx context.Context, phone string) bool {
	m.mu.Lock()
	h, ok := m.handles[phone]
	if ok {
		delete(m.handles, phone)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.stopAll(ctx, []*Handle{h})
	m.log.Info().Str("phone", phone).Msg("runtime released")
	return true
}

// Shutdown останавливает все исполнители: сначала мягко с ожиданием Grace,
// затем отменяет контексты и закрывает соединения.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	m.stopAll(ctx, handles)
	m.log.Info().Int("accounts", len(handles)).Msg("runtime shut down")
}

func (m *Manager) stopAll(ctx context.Context, handles []*Handle) {
	for _, h := range handles {
		h.softStop()
	}

	gctx, cancel := context.WithTimeout(ctx, m.opts.Grace)
	defer cancel()
	for _, h := range handles {
		select {
		case <-h.done:
		case <-gctx.Done():
		}
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		h.cancel()
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			select {
			case <-h.done:
			case <-time.After(5 * time.Second):
				h.log.Warn().Msg("executor did not stop in time")
			}
			if err := h.conn.Disconnect(); err != nil {
				h.log.Warn().Err(err).Msg("disconnect")
			}
		}(h)
	}
	wg.Wait()
}

// InitializeAll поднимает рантайм для всех аккаунтов, кроме отключённых.
func (m *Manager) InitializeAll(ctx context.Context) int {
	phones, err := m.store.StartablePhones(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("list accounts for startup")
		return 0
	}
	started := 0
	for _, phone := range phones {
		if _, err := m.Acquire(ctx, phone); err != nil {
			m.log.Warn().Err(err).Str("phone", phone).Msg("runtime not started")
			continue
		}
		started++
	}
	m.log.Info().Int("started", started).Int("total", len(phones)).Msg("runtimes initialized")
	return started
}

// Disable отключает аккаунт оператором и останавливает его рантайм.
func (m *Manager) Disable(ctx context.Context, phone string) error {
	if err := m.store.UpdateAccountStatus(ctx, phone, models.AccountInactive, nil); err != nil {
		return err
	}
	m.Release(ctx, phone)
	return nil
}

// Enable снимает отключение и поднимает рантайм.
func (m *Manager) Enable(ctx context.Context, phone string) (*Handle, error) {
	if err := m.store.UpdateAccountStatus(ctx, phone, models.AccountInitializing, nil); err != nil {
		return nil, err
	}
	return m.Acquire(ctx, phone)
}

// Remove останавливает рантайм и удаляет аккаунт вместе с сессией.
func (m *Manager) Remove(ctx context.Context, phone string) error {
	m.Release(ctx, phone)
	return m.store.DeleteAccount(ctx, phone)
}

func (m *Manager) setStatus(ctx context.Context, phone string, status models.AccountStatus, lastError *string) {
	if err := m.store.UpdateAccountStatus(ctx, phone, status, lastError); err != nil {
		m.log.Error().Err(err).Str("phone", phone).Str("status", string(status)).Msg("update account status")
	}
}

// WithAccount выполняет fn на исполнителе аккаунта под его блокировкой после проверки соединения
// и ждёт результата. Фатальные ошибки fn отражаются в статусе аккаунта.
func (m *Manager) WithAccount(ctx context.Context, phone string, fn func(ctx context.Context, conn Conn) error) error {
	h, err := m.Acquire(ctx, phone)
	if err != nil {
		return err
	}
	return h.Do(ctx, func(opCtx context.Context) error {
		unlock, err := h.Lock(opCtx)
		if err != nil {
			return err
		}
		defer unlock()
		if err := m.Connect(opCtx, h); err != nil {
			return err
		}
		err = fn(opCtx, h.conn)
		if f := tgclient.Classify(err); err != nil && f.Fatal() {
			m.Fail(opCtx, h, f)
		}
		return err
	})
}
