package models

import "time"

type AdminTaskStatus string

const (
	AdminTaskActive   AdminTaskStatus = "active"
	AdminTaskInactive AdminTaskStatus = "inactive"
)

// AdminTask: служебная рассылка текста по cron-расписанию.
// Target: username (с @ или без) либо числовой id чата.
type AdminTask struct {
	ID           int64           `json:"id" db:"id"`
	AccountPhone string          `json:"account_phone" db:"account_phone"`
	Message      string          `json:"message" db:"message"`
	Schedule     string          `json:"schedule" db:"schedule"`
	Target       string          `json:"target" db:"target"`
	Status       AdminTaskStatus `json:"status" db:"status"`
	LastRun      *time.Time      `json:"last_run" db:"last_run"`
	NextRun      *time.Time      `json:"next_run" db:"next_run"`
	LastError    *string         `json:"last_error" db:"last_error"`
	CreatedBy    *int64          `json:"created_by" db:"created_by"`
}
