package storage

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound возвращается, когда запись отсутствует.
var ErrNotFound = errors.New("not found")

// DB: общий для процесса доступ к postgres. Безопасен для конкурентного использования.
type DB struct {
	Conn     *sqlx.DB
	Sessions SessionBackend
	log      zerolog.Logger
}

func NewDB(conn *sqlx.DB, sessions SessionBackend, log zerolog.Logger) *DB {
	return &DB{Conn: conn, Sessions: sessions, log: log.With().Str("component", "storage").Logger()}
}

// Open подключается к postgres, проверяет соединение и применяет миграции.
func Open(ctx context.Context, url string) (*sqlx.DB, error) {
	sqlDB, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if err := runMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	db := sqlx.NewDb(sqlDB, "postgres")
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "create migration driver")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "create migration source")
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "create migrator")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

func (db *DB) Close() error {
	return db.Conn.Close()
}

// notFound переводит sql.ErrNoRows в ErrNotFound, остальные ошибки оборачивает.
func notFound(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
