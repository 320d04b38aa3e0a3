// Package authflow проводит новый или повторно проверяемый аккаунт через вход в Telegram:
// запрос кода, код, пароль 2FA. Каждая попытка живёт на временном соединении,
// которое закрывается при любом завершении.
package authflow

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fwdfleet/models"
	"fwdfleet/pkg/storage"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/tgclient"
)

var (
	ErrFlowNotFound = errors.New("auth flow not found or expired")
	// ErrWrongStep: шаг не соответствует текущему состоянию попытки.
	ErrWrongStep = errors.New("auth flow is in another state")
)

type State string

const (
	StartRequested    State = "start_requested"
	CodeNeeded        State = "code_needed"
	PasswordNeeded    State = "password_needed"
	Authorized        State = "authorized"
	AlreadyAuthorized State = "already_authorized"
	Error             State = "error"
)

// Terminal: попытка завершена, временное соединение закрыто.
func (s State) Terminal() bool {
	return s == Authorized || s == AlreadyAuthorized || s == Error
}

// Outcome: результат шага для фронтенда.
// Reason при CodeNeeded и PasswordNeeded означает неверный ввод, который можно повторить.
type Outcome struct {
	FlowID      string        `json:"flow_id,omitempty"`
	Phone       string        `json:"phone"`
	State       State         `json:"state"`
	Reason      models.Reason `json:"reason,omitempty"`
	WaitSeconds int           `json:"wait_seconds,omitempty"`
	Username    string        `json:"username,omitempty"`
}

// Conn: временное соединение для входа. Реализуется *tgclient.Client.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendCode(ctx context.Context, phone string) (*tgclient.SentCode, error)
	SignIn(ctx context.Context, phone, code, hash string) (*tgclient.Self, error)
	Password(ctx context.Context, password string) (*tgclient.Self, error)
}

var _ Conn = (*tgclient.Client)(nil)

// ConnFactory создаёт временное соединение. Сессия пишется туда же, откуда её потом читает рантайм.
type ConnFactory func(phone string, appID int, appHash string) (Conn, error)

type Store interface {
	GetAccount(ctx context.Context, phone string) (*models.Account, error)
	UpdateAccountStatus(ctx context.Context, phone string, status models.AccountStatus, lastError *string) error
	SaveAuthorizedAccount(ctx context.Context, acc models.Account) error
	SessionRef(phone string) string
	DeleteSession(ctx context.Context, phone string) error
	LogEvent(ctx context.Context, event string, userID *int64, phone string, details any)
}

// Runtime: часть менеджера рантайма, с которой работает вход.
type Runtime interface {
	Release(ctx context.Context, phone string) bool
	Acquire(ctx context.Context, phone string) (*runtime.Handle, error)
}

type Options struct {
	TTL         time.Duration
	StepTimeout time.Duration
	Now         func() time.Time
}

type flow struct {
	mu sync.Mutex

	id      string
	phone   string
	appID   int
	appHash string
	conn    Conn
	hash    string
	state   State
	expires time.Time
	closed  bool
}

type Service struct {
	store   Store
	rt      Runtime
	factory ConnFactory
	opts    Options
	log     zerolog.Logger

	mu    sync.Mutex
	flows map[string]*flow
}

func New(store Store, rt Runtime, factory ConnFactory, opts Options, log zerolog.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:   store,
		rt:      rt,
		factory: factory,
		opts:    opts,
		log:     log.With().Str("component", "authflow").Logger(),
		flows:   make(map[string]*flow),
	}
}

// Start начинает вход: останавливает рантайм аккаунта, удаляет старую сессию и запрашивает код.
func (s *Service) Start(ctx context.Context, phone string, appID int, appHash string) Outcome {
	log := s.log.With().Str("phone", phone).Logger()
	creds := models.Account{Phone: phone, ApiID: appID, ApiHash: appHash}
	if phone == "" || !creds.HasCredentials() {
		return Outcome{Phone: phone, State: Error, Reason: models.ReasonInvalidCreds}
	}

	f := &flow{
		id:      uuid.NewString(),
		phone:   phone,
		appID:   appID,
		appHash: appHash,
		state:   StartRequested,
		expires: s.opts.Now().Add(s.opts.TTL),
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	// Попытка занимает номер до первого сетевого шага: параллельный Start
	// дождётся её и закроет, а не поднимет вторую рядом.
	s.mu.Lock()
	prev := s.byPhoneLocked(phone)
	s.flows[f.id] = f
	s.mu.Unlock()
	for _, old := range prev {
		old.mu.Lock()
		s.teardown(old)
		old.mu.Unlock()
	}

	if s.rt.Release(ctx, phone) {
		log.Info().Msg("runtime released for re-authorization")
	}
	if err := s.store.DeleteSession(ctx, phone); err != nil {
		log.Warn().Err(err).Msg("delete previous session")
	}

	s.setStatus(ctx, phone, models.AccountAuthenticating, nil)

	conn, err := s.factory(phone, appID, appHash)
	if err != nil {
		log.Error().Err(err).Msg("create auth connection")
		return s.terminate(ctx, f, Outcome{State: Error, Reason: models.ReasonUnknown})
	}
	f.conn = conn

	sctx, cancel := context.WithTimeout(ctx, s.opts.StepTimeout)
	defer cancel()
	if err := conn.Connect(sctx); err != nil {
		log.Error().Err(err).Msg("auth connection failed")
		return s.terminate(ctx, f, errorOutcome(tgclient.Failure{Kind: tgclient.KindConnection, Err: err}))
	}

	sent, err := conn.SendCode(sctx, phone)
	if err != nil {
		fail := tgclient.Classify(err)
		if fail.Kind == tgclient.KindPasswordNeeded {
			log.Info().Msg("password required before code")
			return s.advance(ctx, f, PasswordNeeded, "")
		}
		log.Warn().Err(err).Msg("send code")
		return s.terminate(ctx, f, errorOutcome(fail))
	}
	if sent.Authorized {
		return s.authorize(ctx, f, sent.Self, AlreadyAuthorized)
	}
	f.hash = sent.Hash
	log.Info().Msg("code requested")
	return s.advance(ctx, f, CodeNeeded, "")
}

// SubmitCode отправляет код. Неверный или просроченный код оставляет попытку в CodeNeeded.
func (s *Service) SubmitCode(ctx context.Context, flowID, code string) (Outcome, error) {
	f, err := s.lock(flowID, CodeNeeded)
	if err != nil {
		return Outcome{}, err
	}
	defer f.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, s.opts.StepTimeout)
	defer cancel()
	self, err := f.conn.SignIn(sctx, f.phone, code, f.hash)
	if err == nil {
		return s.authorize(ctx, f, self, Authorized), nil
	}
	fail := tgclient.Classify(err)
	switch fail.Kind {
	case tgclient.KindPasswordNeeded:
		return s.advance(ctx, f, PasswordNeeded, ""), nil
	case tgclient.KindCodeInvalid:
		s.log.Info().Str("phone", f.phone).Msg("invalid code")
		return s.advance(ctx, f, CodeNeeded, models.ReasonInvalidCode), nil
	}
	s.log.Warn().Err(err).Str("phone", f.phone).Msg("sign in")
	return s.terminate(ctx, f, errorOutcome(fail)), nil
}

// SubmitPassword отправляет пароль 2FA. Неверный пароль оставляет попытку в PasswordNeeded.
func (s *Service) SubmitPassword(ctx context.Context, flowID, password string) (Outcome, error) {
	f, err := s.lock(flowID, PasswordNeeded)
	if err != nil {
		return Outcome{}, err
	}
	defer f.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, s.opts.StepTimeout)
	defer cancel()
	self, err := f.conn.Password(sctx, password)
	if err == nil {
		return s.authorize(ctx, f, self, Authorized), nil
	}
	fail := tgclient.Classify(err)
	if fail.Kind == tgclient.KindPasswordInvalid {
		s.log.Info().Str("phone", f.phone).Msg("invalid password")
		return s.advance(ctx, f, PasswordNeeded, models.ReasonInvalidPassword), nil
	}
	s.log.Warn().Err(err).Str("phone", f.phone).Msg("password")
	return s.terminate(ctx, f, errorOutcome(fail)), nil
}

// Cancel прерывает попытку оператором.
func (s *Service) Cancel(ctx context.Context, flowID string) error {
	s.mu.Lock()
	f, ok := s.flows[flowID]
	s.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFlowNotFound
	}
	s.terminate(ctx, f, Outcome{State: Error, Reason: models.ReasonUnknown})
	return nil
}

// InProgress сообщает, идёт ли вход для номера.
func (s *Service) InProgress(phone string) bool {
	return s.byPhone(phone) != nil
}

// Sweep закрывает попытки, брошенные дольше TTL.
func (s *Service) Sweep(ctx context.Context) int {
	now := s.opts.Now()
	s.mu.Lock()
	var stale []*flow
	for _, f := range s.flows {
		if now.After(f.expires) {
			stale = append(stale, f)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, f := range stale {
		// Попытку, занятую шагом, смотрим на следующем проходе.
		if !f.mu.TryLock() {
			continue
		}
		if !f.closed {
			s.log.Info().Str("phone", f.phone).Str("flow", f.id).Msg("auth flow expired")
			s.terminate(ctx, f, Outcome{State: Error, Reason: models.ReasonUnknown})
			n++
		}
		f.mu.Unlock()
	}
	return n
}

// Run периодически вызывает Sweep до отмены контекста.
func (s *Service) Run(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return nil
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Service) closeAll() {
	s.mu.Lock()
	flows := make([]*flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	s.mu.Unlock()
	for _, f := range flows {
		f.mu.Lock()
		s.teardown(f)
		f.mu.Unlock()
	}
}

func (s *Service) byPhone(phone string) *flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flows := s.byPhoneLocked(phone); len(flows) > 0 {
		return flows[0]
	}
	return nil
}

// byPhoneLocked вызывается под s.mu.
func (s *Service) byPhoneLocked(phone string) []*flow {
	var flows []*flow
	for _, f := range s.flows {
		if f.phone == phone {
			flows = append(flows, f)
		}
	}
	return flows
}

// lock находит попытку в нужном состоянии и захватывает её. Освобождает вызывающий.
func (s *Service) lock(flowID string, want State) (*flow, error) {
	s.mu.Lock()
	f, ok := s.flows[flowID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrFlowNotFound
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFlowNotFound
	}
	if f.state != want {
		f.mu.Unlock()
		return nil, errors.Wrapf(ErrWrongStep, "flow is %s, want %s", f.state, want)
	}
	f.expires = s.opts.Now().Add(s.opts.TTL)
	return f, nil
}

// advance переводит попытку в промежуточное состояние.
func (s *Service) advance(ctx context.Context, f *flow, state State, reason models.Reason) Outcome {
	f.state = state

	switch state {
	case CodeNeeded:
		s.setStatus(ctx, f.phone, models.AccountNeedsCode, nil)
	case PasswordNeeded:
		s.setStatus(ctx, f.phone, models.AccountNeedsPassword, nil)
	}
	return Outcome{FlowID: f.id, Phone: f.phone, State: state, Reason: reason}
}

// authorize сохраняет аккаунт и передаёт его рантайму.
func (s *Service) authorize(ctx context.Context, f *flow, self *tgclient.Self, state State) Outcome {
	// Временное соединение закрывается до того, как рантайм откроет постоянное на той же сессии.
	s.teardown(f)

	acc := models.Account{
		Phone:      f.phone,
		ApiID:      f.appID,
		ApiHash:    f.appHash,
		SessionRef: s.store.SessionRef(f.phone),
		Status:     models.AccountActive,
	}
	out := Outcome{FlowID: f.id, Phone: f.phone, State: state}
	if self != nil && self.Username != "" {
		acc.Username = &self.Username
		out.Username = self.Username
	}
	if err := s.store.SaveAuthorizedAccount(ctx, acc); err != nil {
		s.log.Error().Err(err).Str("phone", f.phone).Msg("save authorized account")
		out = Outcome{FlowID: f.id, Phone: f.phone, State: Error, Reason: models.ReasonUnknown}
		s.store.LogEvent(ctx, models.EventAuthResult, nil, f.phone, out)
		return out
	}
	if _, err := s.rt.Acquire(ctx, f.phone); err != nil {
		s.log.Error().Err(err).Str("phone", f.phone).Msg("runtime not started after authorization")
	}
	s.log.Info().Str("phone", f.phone).Str("username", out.Username).Str("state", string(state)).Msg("account authorized")
	s.store.LogEvent(ctx, models.EventAuthResult, nil, f.phone, out)
	return out
}

// terminate завершает попытку ошибкой.
func (s *Service) terminate(ctx context.Context, f *flow, out Outcome) Outcome {
	s.teardown(f)
	out.FlowID, out.Phone = f.id, f.phone
	reason := string(out.Reason)
	s.setStatus(ctx, f.phone, models.AccountError, &reason)
	s.store.LogEvent(ctx, models.EventAuthResult, nil, f.phone, out)
	return out
}

// teardown закрывает временное соединение и снимает попытку. Вызывается под f.mu.
func (s *Service) teardown(f *flow) {
	s.mu.Lock()
	if cur, ok := s.flows[f.id]; ok && cur == f {
		delete(s.flows, f.id)
	}
	s.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.conn != nil {
		if err := f.conn.Disconnect(); err != nil {
			s.log.Warn().Err(err).Str("phone", f.phone).Msg("disconnect auth connection")
		}
	}
}

// setStatus отражает ход входа для уже известного аккаунта; новый аккаунт появится при успехе.
func (s *Service) setStatus(ctx context.Context, phone string, status models.AccountStatus, lastError *string) {
	if _, err := s.store.GetAccount(ctx, phone); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error().Err(err).Str("phone", phone).Msg("get account")
		}
		return
	}
	if err := s.store.UpdateAccountStatus(ctx, phone, status, lastError); err != nil {
		s.log.Error().Err(err).Str("phone", phone).Msg("update account status")
	}
}

// errorOutcome сводит ошибку Telegram к причине для фронтенда.
func errorOutcome(f tgclient.Failure) Outcome {
	out := Outcome{State: Error}
	switch f.Kind {
	case tgclient.KindFloodWait:
		out.Reason = models.ReasonRateLimited
		out.WaitSeconds = int(f.Wait / time.Second)
	case tgclient.KindCredentialsInvalid:
		out.Reason = models.ReasonInvalidCreds
	case tgclient.KindPhoneInvalid, tgclient.KindBanned:
		out.Reason = models.ReasonInvalidPhone
	case tgclient.KindConnection, tgclient.KindSessionInvalid, tgclient.KindCanceled:
		out.Reason = models.ReasonConnection
	default:
		out.Reason = models.ReasonUnknown
	}
	return out
}
