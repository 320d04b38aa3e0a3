package models

import (
	"encoding/json"
	"fmt"
)

// OutcomeStatus: стабильный код результата по одному чату или ссылке.
type OutcomeStatus string

const (
	OutcomeSuccess       OutcomeStatus = "success"
	OutcomeAlreadyMember OutcomeStatus = "already_member"
	OutcomePending       OutcomeStatus = "pending"
	OutcomeFloodWait     OutcomeStatus = "flood_wait"
	OutcomeFailed        OutcomeStatus = "failed"
)

// Reason: машиночитаемая причина ошибки, которую переводит фронтенд.
type Reason string

const (
	// По одному чату или ссылке.
	ReasonInvalidInvite   Reason = "invalid_invite"
	ReasonPrivate         Reason = "private"
	ReasonRestricted      Reason = "banned_or_restricted"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonUnresolved      Reason = "unresolved"
	ReasonInvalidLink     Reason = "invalid_link"
	ReasonChatFull        Reason = "chat_full"
	ReasonChannelsTooMuch Reason = "channels_too_much"
	ReasonMediaForbidden  Reason = "media_forbidden"
	ReasonPermission      Reason = "permission_denied"
	ReasonNotParticipant  Reason = "not_participant"
	ReasonTargetInvalid   Reason = "target_invalid"
	ReasonBatchError      Reason = "batch_error"
	ReasonInternal        Reason = "internal_error"
	ReasonShutdown        Reason = "shutdown"
	ReasonRuntimeSkipped  Reason = "skipped_runtime_unavailable"
	ReasonPrimaryInvalid  Reason = "primary_message_invalid"
	ReasonSourceInvalid   Reason = "source_message_invalid"
	ReasonNoDestination   Reason = "no_destination"
	ReasonGroupMissing    Reason = "destination_group_missing"
	ReasonConnection      Reason = "connection_failure"
	ReasonSessionInvalid  Reason = "session_invalid"
	ReasonAccountBanned   Reason = "account_banned"
	ReasonInvalidCreds    Reason = "invalid_credentials"
	ReasonInvalidPhone    Reason = "invalid_phone"
	ReasonInvalidCode     Reason = "invalid_code"
	ReasonInvalidPassword Reason = "invalid_password"
	ReasonUnknown         Reason = "unknown"
)

// Outcome: результат пересылки в один чат или вступления по одной ссылке.
type Outcome struct {
	Status       OutcomeStatus `json:"status"`
	Reason       Reason        `json:"reason,omitempty"`
	WaitSeconds  int           `json:"wait_seconds,omitempty"`
	UsedFallback bool          `json:"used_fallback,omitempty"`
	ChatID       int64         `json:"chat_id,omitempty"`
	Title        string        `json:"title,omitempty"`
}

func Succeeded() Outcome     { return Outcome{Status: OutcomeSuccess} }
func AlreadyMember() Outcome { return Outcome{Status: OutcomeAlreadyMember} }
func Pending() Outcome       { return Outcome{Status: OutcomePending} }
func FloodWait(seconds int) Outcome {
	return Outcome{Status: OutcomeFloodWait, Reason: ReasonRateLimited, WaitSeconds: seconds}
}
func Failed(reason Reason) Outcome { return Outcome{Status: OutcomeFailed, Reason: reason} }

// Code возвращает код в виде success, flood_wait(30) или failed(private).
func (o Outcome) Code() string {
	switch o.Status {
	case OutcomeFloodWait:
		return fmt.Sprintf("flood_wait(%d)", o.WaitSeconds)
	case OutcomeFailed:
		return fmt.Sprintf("failed(%s)", o.Reason)
	default:
		return string(o.Status)
	}
}

// Ok: аккаунт оказался в чате или сообщение доставлено.
func (o Outcome) Ok() bool {
	return o.Status == OutcomeSuccess || o.Status == OutcomeAlreadyMember
}

// Transient: ошибка, которая сама по себе не попадает в last_error задания.
func (o Outcome) Transient() bool {
	switch o.Status {
	case OutcomeFloodWait:
		return true
	case OutcomeFailed:
		return o.Reason == ReasonRateLimited || o.Reason == ReasonMediaForbidden
	}
	return false
}

// MarshalJSON добавляет к объекту готовый строковый код.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	return json.Marshal(struct {
		plain
		Code string `json:"code"`
	}{plain(o), o.Code()})
}
