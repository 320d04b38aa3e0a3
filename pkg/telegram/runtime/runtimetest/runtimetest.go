// Package runtimetest: поддельные соединение и хранилище для тестов рантайма и движков.
package runtimetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"fwdfleet/models"
	"fwdfleet/pkg/storage"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/tgclient"
)

// Forwarded: запись о пересылке через FakeConn.
type Forwarded struct {
	ChatID    int64
	MessageID int
}

// Conn: соединение в памяти. Поведение задаётся полями до начала теста.
type Conn struct {
	mu sync.Mutex

	ConnectErr error
	SelfErr    error
	Username   string
	// SelfGate задерживает проверку авторизации до закрытия канала.
	SelfGate chan struct{}

	Chats    []tgclient.Chat
	ChatsErr error
	// Messages: ссылка → сообщение; MessageErrs перекрывает Messages.
	Messages    map[string]*tgclient.Message
	MessageErrs map[string]error
	ResolveErrs map[int64]error
	// TargetErrs: username → ошибка ResolveTarget.
	TargetErrs map[string]error

	ForwardFunc func(to tgclient.Chat, msg *tgclient.Message) error
	InviteFunc  func(hash string) (*tgclient.Invite, error)
	ImportFunc  func(hash string) (*tgclient.Chat, error)
	PublicFunc  func(username string) (*tgclient.Chat, error)
	SendErr     error

	connected   bool
	Connects    int
	Disconnects int
	Forwards    []Forwarded
	Texts       []string
	Joined      []string
}

func (c *Conn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connects++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Disconnects++
	c.connected = false
	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Self(ctx context.Context) (*tgclient.Self, error) {
	if c.SelfGate != nil {
		select {
		case <-c.SelfGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SelfErr != nil {
		return nil, c.SelfErr
	}
	return &tgclient.Self{ID: 1, Username: c.Username}, nil
}

func (c *Conn) JoinedChats(context.Context) ([]tgclient.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ChatsErr != nil {
		return nil, c.ChatsErr
	}
	return append([]tgclient.Chat(nil), c.Chats...), nil
}

func (c *Conn) ResolveChat(_ context.Context, id int64) (tgclient.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ResolveErrs[id]; err != nil {
		return tgclient.Chat{}, err
	}
	for _, ch := range c.Chats {
		if ch.ID == id {
			return ch, nil
		}
	}
	return tgclient.Chat{ID: id, Kind: tgclient.ChatGroup}, nil
}

func (c *Conn) ResolveTarget(_ context.Context, target string) (tgclient.Chat, error) {
	name := tgclient.NormalizeUsername(target)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.TargetErrs[name]; err != nil {
		return tgclient.Chat{}, err
	}
	return tgclient.Chat{Username: name, Title: name, Kind: tgclient.ChatUser}, nil
}

func (c *Conn) ResolveMessage(_ context.Context, link string) (*tgclient.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.MessageErrs[link]; err != nil {
		return nil, err
	}
	if m, ok := c.Messages[link]; ok {
		return m, nil
	}
	return nil, errors.Wrap(tgclient.ErrMessageNotFound, link)
}

func (c *Conn) Forward(_ context.Context, to tgclient.Chat, msg *tgclient.Message) error {
	c.mu.Lock()
	fn := c.ForwardFunc
	c.mu.Unlock()
	if fn != nil {
		if err := fn(to, msg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.Forwards = append(c.Forwards, Forwarded{ChatID: to.ID, MessageID: msg.ID})
	c.mu.Unlock()
	return nil
}

func (c *Conn) SendText(_ context.Context, _ tgclient.Chat, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Texts = append(c.Texts, text)
	return nil
}

func (c *Conn) CheckInvite(_ context.Context, hash string) (*tgclient.Invite, error) {
	if c.InviteFunc != nil {
		return c.InviteFunc(hash)
	}
	return &tgclient.Invite{Title: hash}, nil
}

func (c *Conn) ImportInvite(_ context.Context, hash string) (*tgclient.Chat, error) {
	if c.ImportFunc != nil {
		if _, err := c.ImportFunc(hash); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	c.Joined = append(c.Joined, "+"+hash)
	c.mu.Unlock()
	return &tgclient.Chat{ID: -int64(len(hash)), Title: hash, Kind: tgclient.ChatGroup}, nil
}

func (c *Conn) JoinPublic(_ context.Context, username string) (*tgclient.Chat, error) {
	if c.PublicFunc != nil {
		if _, err := c.PublicFunc(username); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	c.Joined = append(c.Joined, username)
	c.mu.Unlock()
	return &tgclient.Chat{ID: -int64(len(username)), Title: username, Username: username, Kind: tgclient.ChatChannel}, nil
}

// ForwardedTo возвращает id чатов, куда ушли пересылки, в порядке отправки.
func (c *Conn) ForwardedTo() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.Forwards))
	for _, f := range c.Forwards {
		ids = append(ids, f.ChatID)
	}
	return ids
}

// StatusChange: запись об изменении статуса аккаунта.
type StatusChange struct {
	Phone     string
	Status    models.AccountStatus
	LastError string
}

// TaskRun: запись о запуске служебной задачи.
type TaskRun struct {
	ID        int64
	Next      *time.Time
	LastError *string
}

// Store: хранилище в памяти, совместимое с интерфейсами рантайма и движков.
type Store struct {
	mu sync.Mutex

	Accounts map[string]*models.Account
	Sessions map[string]bool
	Groups   map[int64][]int64
	Due      []models.Job
	Tasks    []models.AdminTask

	Statuses []StatusChange
	Runs     []models.JobRun
	TaskRuns []TaskRun
	Members  []models.GroupMember
	Events   []string
	DueErr   error
}

func NewStore(accounts ...models.Account) *Store {
	s := &Store{
		Accounts: make(map[string]*models.Account),
		Sessions: make(map[string]bool),
		Groups:   make(map[int64][]int64),
	}
	for i := range accounts {
		acc := accounts[i]
		s.Accounts[acc.Phone] = &acc
		s.Sessions[acc.Phone] = true
	}
	return s
}

// ActiveAccount: заготовка активного аккаунта.
func ActiveAccount(phone string) models.Account {
	return models.Account{Phone: phone, ApiID: 1, ApiHash: "hash", Status: models.AccountActive}
}

func (s *Store) GetAccount(_ context.Context, phone string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.Accounts[phone]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) ListAccounts(_ context.Context, statuses ...models.AccountStatus) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Account
	for _, acc := range s.Accounts {
		if len(statuses) == 0 {
			out = append(out, *acc)
			continue
		}
		for _, st := range statuses {
			if acc.Status == st {
				out = append(out, *acc)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

func (s *Store) StartablePhones(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var phones []string
	for p, acc := range s.Accounts {
		if !acc.Disabled() {
			phones = append(phones, p)
		}
	}
	sort.Strings(phones)
	return phones, nil
}

func (s *Store) UpdateAccountStatus(_ context.Context, phone string, status models.AccountStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.Accounts[phone]
	if !ok {
		return storage.ErrNotFound
	}
	acc.Status = status
	acc.LastError = lastError
	change := StatusChange{Phone: phone, Status: status}
	if lastError != nil {
		change.LastError = *lastError
	}
	s.Statuses = append(s.Statuses, change)
	return nil
}

func (s *Store) MarkAccountActive(ctx context.Context, phone, username string) error {
	if err := s.UpdateAccountStatus(ctx, phone, models.AccountActive, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if username != "" {
		s.Accounts[phone].Username = &username
	}
	return nil
}

func (s *Store) SaveAuthorizedAccount(_ context.Context, acc models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := acc
	s.Accounts[acc.Phone] = &cp
	s.Statuses = append(s.Statuses, StatusChange{Phone: acc.Phone, Status: acc.Status})
	return nil
}

func (s *Store) SessionRef(phone string) string { return "mem:" + phone }

func (s *Store) DeleteSession(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Sessions, phone)
	return nil
}

func (s *Store) DeleteAccount(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Accounts[phone]; !ok {
		return storage.ErrNotFound
	}
	delete(s.Accounts, phone)
	delete(s.Sessions, phone)
	return nil
}

func (s *Store) GroupChatIDs(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.Groups[groupID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]int64(nil), ids...), nil
}

func (s *Store) AddGroupMembers(_ context.Context, members []models.GroupMember) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Members = append(s.Members, members...)
	return len(members), nil
}

func (s *Store) DueJobs(context.Context, time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DueErr != nil {
		return nil, s.DueErr
	}
	return append([]models.Job(nil), s.Due...), nil
}

func (s *Store) RecordJobRun(_ context.Context, run models.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Runs = append(s.Runs, run)
	return nil
}

func (s *Store) DueAdminTasks(context.Context, time.Time) ([]models.AdminTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AdminTask(nil), s.Tasks...), nil
}

func (s *Store) RecordAdminTaskRun(_ context.Context, id int64, _ time.Time, next *time.Time, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskRuns = append(s.TaskRuns, TaskRun{ID: id, Next: next, LastError: lastError})
	return nil
}

func (s *Store) LogEvent(_ context.Context, event string, _ *int64, _ string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, event)
}

// RunsSnapshot возвращает копию записанных запусков.
func (s *Store) RunsSnapshot() []models.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobRun(nil), s.Runs...)
}

// Status возвращает текущий статус аккаунта.
func (s *Store) Status(phone string) models.AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.Accounts[phone]; ok {
		return acc.Status
	}
	return ""
}

// HasSession сообщает, сохранена ли сессия аккаунта.
func (s *Store) HasSession(phone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sessions[phone]
}

// Factory возвращает фабрику, которая отдаёт заранее созданные соединения и считает вызовы.
func Factory(conns map[string]*Conn, calls *int, mu *sync.Mutex) runtime.ConnFactory {
	return func(acc models.Account) (runtime.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		*calls++
		c, ok := conns[acc.Phone]
		if !ok {
			c = &Conn{}
			conns[acc.Phone] = c
		}
		return c, nil
	}
}

// WaitIdle ждёт, пока исполнитель аккаунта выполнит все ранее поставленные операции.
func WaitIdle(t interface{ Fatalf(string, ...any) }, h *runtime.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("executor is not idle: %v", err)
	}
}
