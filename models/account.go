package models

import "time"

// AccountStatus: состояние рабочего аккаунта. Значения показываются оператору как есть.
type AccountStatus string

const (
	AccountInactive       AccountStatus = "inactive" // отключён оператором
	AccountConnecting     AccountStatus = "connecting"
	AccountInitializing   AccountStatus = "initializing"
	AccountAuthenticating AccountStatus = "authenticating"
	AccountNeedsCode      AccountStatus = "needs_code"
	AccountNeedsPassword  AccountStatus = "needs_password"
	AccountActive         AccountStatus = "active"
	AccountError          AccountStatus = "error"
)

// Account описывает рабочий аккаунт Telegram и его сохранённое состояние.
type Account struct {
	Phone          string        `json:"phone" db:"phone"`
	ApiID          int           `json:"api_id" db:"api_id"`
	ApiHash        string        `json:"-" db:"api_hash"`
	SessionRef     string        `json:"session_ref" db:"session_ref"`
	Status         AccountStatus `json:"status" db:"status"`
	Username       *string       `json:"username" db:"username"`
	LastError      *string       `json:"last_error" db:"last_error"`
	AssignedClient *int64        `json:"assigned_client" db:"assigned_client"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// Disabled сообщает, что аккаунт выключен оператором и рантайм для него не поднимается.
func (a Account) Disabled() bool {
	return a.Status == AccountInactive
}

// HasCredentials проверяет, что у аккаунта заполнена пара app id / app hash.
func (a Account) HasCredentials() bool {
	return a.ApiID > 0 && a.ApiHash != ""
}
