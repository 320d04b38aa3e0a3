package storage

import (
	"context"
	"encoding/json"
)

// LogEvent пишет событие в журнал. Ошибка записи только логируется.
func (db *DB) LogEvent(ctx context.Context, event string, userID *int64, phone string, details any) {
	var (
		acc  *string
		text *string
	)
	if phone != "" {
		acc = &phone
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			s := string(b)
			text = &s
		}
	}
	if _, err := db.Conn.ExecContext(ctx,
		`INSERT INTO events (event, user_id, account_phone, details) VALUES ($1, $2, $3, $4)`,
		event, userID, acc, text); err != nil {
		db.log.Warn().Err(err).Str("event", event).Msg("log event")
	}
}
