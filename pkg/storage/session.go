package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// SessionBackend хранит сериализованные сессии gotd по номеру телефона.
type SessionBackend interface {
	// Storage возвращает хранилище сессии для клиента gotd.
	Storage(phone string) session.Storage
	// Ref: ссылка на сессию, которая сохраняется в accounts.session_ref.
	Ref(phone string) string
	Delete(ctx context.Context, phone string) error
}

// SessionStorage отдаёт хранилище сессии аккаунта.
func (db *DB) SessionStorage(phone string) session.Storage {
	return db.Sessions.Storage(phone)
}

func (db *DB) SessionRef(phone string) string {
	return db.Sessions.Ref(phone)
}

// DeleteSession удаляет сохранённую сессию, чтобы следующая авторизация началась с нуля.
func (db *DB) DeleteSession(ctx context.Context, phone string) error {
	if err := db.Sessions.Delete(ctx, phone); err != nil {
		db.log.Error().Err(err).Str("phone", phone).Msg("delete session")
		return err
	}
	return nil
}

// DBSessions хранит сессии в таблице account_sessions.
type DBSessions struct {
	DB  *sqlx.DB
	Log zerolog.Logger
}

func (s *DBSessions) Storage(phone string) session.Storage {
	return &DBSessionStorage{DB: s.DB, Phone: phone, log: s.Log}
}

func (s *DBSessions) Ref(phone string) string {
	return "db:" + phone
}

func (s *DBSessions) Delete(ctx context.Context, phone string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM account_sessions WHERE phone = $1`, phone); err != nil {
		return errors.Wrap(err, "delete session")
	}
	return nil
}

// DBSessionStorage реализует session.Storage поверх account_sessions.
type DBSessionStorage struct {
	DB    *sqlx.DB
	Phone string
	log   zerolog.Logger
}

// LoadSession загружает текст сессии из БД.
func (s *DBSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	if s == nil || s.DB == nil {
		return nil, session.ErrNotFound
	}

	var data string
	// На номер хранится не более одной записи.
	err := s.DB.QueryRowContext(ctx, `SELECT data_json FROM account_sessions WHERE phone = $1`, s.Phone).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		s.log.Error().Err(err).Str("phone", s.Phone).Msg("load session")
		return nil, errors.Wrap(err, "load session")
	}
	return []byte(data), nil
}

// StoreSession сохраняет текст сессии в БД.
func (s *DBSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	if s == nil || s.DB == nil {
		return session.ErrNotFound
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO account_sessions (phone, data_json) VALUES ($1, $2)
		 ON CONFLICT (phone) DO UPDATE SET data_json = EXCLUDED.data_json, date_time = NOW()`,
		s.Phone, string(data))
	if err != nil {
		s.log.Error().Err(err).Str("phone", s.Phone).Msg("store session")
		return errors.Wrap(err, "store session")
	}
	return nil
}

// FileSessions хранит сессии файлами <dir>/<phone>.json.
type FileSessions struct {
	Dir string
}

// NewFileSessions создаёт каталог для сессий, если его нет.
func NewFileSessions(dir string) (*FileSessions, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create session dir")
	}
	return &FileSessions{Dir: dir}, nil
}

func (s *FileSessions) path(phone string) string {
	name := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.Dir, name+".json")
}

func (s *FileSessions) Storage(phone string) session.Storage {
	return &session.FileStorage{Path: s.path(phone)}
}

func (s *FileSessions) Ref(phone string) string {
	return s.path(phone)
}

func (s *FileSessions) Delete(_ context.Context, phone string) error {
	if err := os.Remove(s.path(phone)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete session file")
	}
	return nil
}
