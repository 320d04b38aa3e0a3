package models

import "time"

// Event: запись журнала действий (запуски заданий, авторизация, вступления).
type Event struct {
	ID           int64     `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"ts"`
	Event        string    `json:"event" db:"event"`
	UserID       *int64    `json:"user_id" db:"user_id"`
	AccountPhone *string   `json:"account_phone" db:"account_phone"`
	Details      *string   `json:"details" db:"details"`
}

const (
	EventJobRun       = "job_run"
	EventJobSaved     = "job_saved"
	EventAuthResult   = "auth_result"
	EventJoinBatch    = "join_batch"
	EventAccountDrop  = "account_removed"
	EventAdminTaskRun = "admin_task_run"
)
