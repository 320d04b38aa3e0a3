package models

import (
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobActive   JobStatus = "active"
	JobInactive JobStatus = "inactive"
)

// Поля, без которых задание нельзя активировать.
const (
	FieldPrimaryMessage = "primary_message"
	FieldStartTime      = "start_time"
	FieldInterval       = "interval"
	FieldDestination    = "destination"
)

// Job: повторяющаяся пересылка сообщения от аккаунта в набор чатов.
// Ключ задания: пара (client_id, account_phone).
type Job struct {
	ClientID        int64      `json:"client_id" db:"client_id"`
	Phone           string     `json:"account_phone" db:"account_phone"`
	MessageLink     *string    `json:"message_link" db:"message_link"`
	FallbackLink    *string    `json:"fallback_message_link" db:"fallback_message_link"`
	StartTime       *time.Time `json:"start_time" db:"start_time"`
	IntervalMinutes *int       `json:"repetition_interval" db:"repetition_interval"`
	SendToAll       bool       `json:"send_to_all" db:"send_to_all"`
	GroupID         *int64     `json:"group_id" db:"group_id"`
	Status          JobStatus  `json:"status" db:"status"`
	LastRun         *time.Time `json:"last_run" db:"last_run"`
	LastError       *string    `json:"last_error" db:"last_error"`
	MessagesSent    int64      `json:"messages_sent_count" db:"messages_sent_count"`
}

// Key используется в логах и для идентификации задания в рантайме.
func (j Job) Key() string {
	return fmt.Sprintf("%d_%s", j.ClientID, j.Phone)
}

// Interval возвращает период повторения; ноль, если он не задан.
func (j Job) Interval() time.Duration {
	if j.IntervalMinutes == nil || *j.IntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(*j.IntervalMinutes) * time.Minute
}

// HasDestination сообщает, настроен ли получатель: все чаты аккаунта или группа.
func (j Job) HasDestination() bool {
	return j.SendToAll || j.GroupID != nil
}

// MissingFields перечисляет незаполненные обязательные поля в фиксированном порядке.
func (j Job) MissingFields() []string {
	var missing []string
	if j.MessageLink == nil || strings.TrimSpace(*j.MessageLink) == "" {
		missing = append(missing, FieldPrimaryMessage)
	}
	if j.StartTime == nil {
		missing = append(missing, FieldStartTime)
	}
	if j.Interval() == 0 {
		missing = append(missing, FieldInterval)
	}
	if !j.HasDestination() {
		missing = append(missing, FieldDestination)
	}
	return missing
}

// ValidateActivation не даёт перевести задание в active без обязательных полей.
// Неактивное задание можно сохранять в любом виде.
func (j Job) ValidateActivation() error {
	if j.Status != JobActive {
		return nil
	}
	if missing := j.MissingFields(); len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// IsDue повторяет условия выборки заданий планировщиком, кроме статусов аккаунта и клиента.
func (j Job) IsDue(now time.Time) bool {
	if j.Status != JobActive || j.MessageLink == nil || j.StartTime == nil {
		return false
	}
	interval := j.Interval()
	if interval == 0 || j.StartTime.After(now) {
		return false
	}
	if j.LastRun == nil {
		return true
	}
	return !j.LastRun.Add(interval).After(now)
}

// ValidationError возвращается при попытке активировать неполное задание.
type ValidationError struct {
	Missing []string `json:"missing"`
}

func (e *ValidationError) Error() string {
	return "job is incomplete: missing " + strings.Join(e.Missing, ", ")
}

// JobDraft: черновик задания, который приходит от фронтенда целиком.
type JobDraft struct {
	MessageLink     *string    `json:"message_link"`
	FallbackLink    *string    `json:"fallback_message_link"`
	StartTime       *time.Time `json:"start_time"`
	IntervalMinutes *int       `json:"repetition_interval"`
	SendToAll       bool       `json:"send_to_all"`
	GroupID         *int64     `json:"group_id"`
	Status          JobStatus  `json:"status"`
}

// Job собирает задание из черновика; пустой статус считается inactive.
func (d JobDraft) Job(clientID int64, phone string) Job {
	status := d.Status
	if status == "" {
		status = JobInactive
	}
	return Job{
		ClientID:        clientID,
		Phone:           phone,
		MessageLink:     trimmed(d.MessageLink),
		FallbackLink:    trimmed(d.FallbackLink),
		StartTime:       d.StartTime,
		IntervalMinutes: d.IntervalMinutes,
		SendToAll:       d.SendToAll,
		GroupID:         d.GroupID,
		Status:          status,
	}
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// JobRun: итог одного запуска задания для записи в хранилище.
type JobRun struct {
	RunID     string
	ClientID  int64
	Phone     string
	StartedAt time.Time
	Targets   int
	Sent      int
	LastError *string
}
