package tgclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"fwdfleet/models"
)

// Kind: класс ошибки Telegram, по которому движки выбирают реакцию.
type Kind int

const (
	KindUnknown Kind = iota
	KindCanceled
	KindFloodWait
	KindMediaForbidden
	KindPermission
	KindNotParticipant
	KindTargetInvalid
	KindSourceInvalid
	KindSessionInvalid
	KindBanned
	KindConnection
	KindInviteInvalid
	KindPrivate
	KindAlreadyMember
	KindPending
	KindChatFull
	KindChannelsTooMuch
	KindRestricted
	KindUnresolved
	KindInvalidLink
	KindCodeInvalid
	KindPasswordInvalid
	KindPasswordNeeded
	KindPhoneInvalid
	KindCredentialsInvalid
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindCanceled:           "canceled",
	KindFloodWait:          "flood_wait",
	KindMediaForbidden:     "media_forbidden",
	KindPermission:         "permission",
	KindNotParticipant:     "not_participant",
	KindTargetInvalid:      "target_invalid",
	KindSourceInvalid:      "source_invalid",
	KindSessionInvalid:     "session_invalid",
	KindBanned:             "banned",
	KindConnection:         "connection",
	KindInviteInvalid:      "invite_invalid",
	KindPrivate:            "private",
	KindAlreadyMember:      "already_member",
	KindPending:            "pending",
	KindChatFull:           "chat_full",
	KindChannelsTooMuch:    "channels_too_much",
	KindRestricted:         "restricted",
	KindUnresolved:         "unresolved",
	KindInvalidLink:        "invalid_link",
	KindCodeInvalid:        "code_invalid",
	KindPasswordInvalid:    "password_invalid",
	KindPasswordNeeded:     "password_needed",
	KindPhoneInvalid:       "phone_invalid",
	KindCredentialsInvalid: "credentials_invalid",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Failure: классифицированная ошибка. Code содержит тип RPC-ошибки Telegram, если он есть.
type Failure struct {
	Kind Kind
	Wait time.Duration
	Code string
	Err  error
}

func (f Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Err.Error()
}

func (f Failure) Unwrap() error { return f.Err }

// Fatal: ошибка делает аккаунт непригодным до повторной авторизации или переподключения.
func (f Failure) Fatal() bool {
	switch f.Kind {
	case KindSessionInvalid, KindBanned, KindConnection:
		return true
	}
	return false
}

var kindReasons = map[Kind]models.Reason{
	KindCanceled:           models.ReasonShutdown,
	KindFloodWait:          models.ReasonRateLimited,
	KindMediaForbidden:     models.ReasonMediaForbidden,
	KindPermission:         models.ReasonPermission,
	KindNotParticipant:     models.ReasonNotParticipant,
	KindTargetInvalid:      models.ReasonTargetInvalid,
	KindSourceInvalid:      models.ReasonSourceInvalid,
	KindSessionInvalid:     models.ReasonSessionInvalid,
	KindBanned:             models.ReasonAccountBanned,
	KindConnection:         models.ReasonConnection,
	KindInviteInvalid:      models.ReasonInvalidInvite,
	KindPrivate:            models.ReasonPrivate,
	KindRestricted:         models.ReasonRestricted,
	KindChatFull:           models.ReasonChatFull,
	KindChannelsTooMuch:    models.ReasonChannelsTooMuch,
	KindUnresolved:         models.ReasonUnresolved,
	KindInvalidLink:        models.ReasonInvalidLink,
	KindCodeInvalid:        models.ReasonInvalidCode,
	KindPasswordInvalid:    models.ReasonInvalidPassword,
	KindPhoneInvalid:       models.ReasonInvalidPhone,
	KindCredentialsInvalid: models.ReasonInvalidCreds,
}

// Reason: код причины для хранилища и фронтенда. Неизвестные ошибки становятся internal_error.
func (f Failure) Reason() models.Reason {
	if r, ok := kindReasons[f.Kind]; ok {
		return r
	}
	return models.ReasonInternal
}

var rpcKinds = map[string]Kind{
	"CHAT_SEND_MEDIA_FORBIDDEN":       KindMediaForbidden,
	"CHAT_SEND_PHOTOS_FORBIDDEN":      KindMediaForbidden,
	"CHAT_SEND_VIDEOS_FORBIDDEN":      KindMediaForbidden,
	"CHAT_SEND_DOCS_FORBIDDEN":        KindMediaForbidden,
	"CHAT_SEND_AUDIOS_FORBIDDEN":      KindMediaForbidden,
	"CHAT_SEND_VOICES_FORBIDDEN":      KindMediaForbidden,
	"CHAT_SEND_ROUNDVIDEOS_FORBIDDEN": KindMediaForbidden,
	"CHAT_SEND_GIFS_FORBIDDEN":        KindMediaForbidden,
	"CHAT_SEND_STICKERS_FORBIDDEN":    KindMediaForbidden,
	"CHAT_SEND_POLL_FORBIDDEN":        KindMediaForbidden,

	"CHAT_WRITE_FORBIDDEN":      KindPermission,
	"CHAT_ADMIN_REQUIRED":       KindPermission,
	"CHAT_RESTRICTED":           KindPermission,
	"CHAT_SEND_PLAIN_FORBIDDEN": KindPermission,
	"CHAT_FORWARDS_RESTRICTED":  KindPermission,
	"USER_BANNED_IN_CHANNEL":    KindPermission,
	"USER_RESTRICTED":           KindRestricted,
	"CHANNEL_PUBLIC_GROUP_NA":   KindRestricted,
	"USER_NOT_PARTICIPANT":      KindNotParticipant,
	"CHANNEL_PRIVATE":           KindPrivate,
	"PEER_ID_INVALID":           KindTargetInvalid,
	"CHANNEL_INVALID":           KindTargetInvalid,
	"CHAT_ID_INVALID":           KindTargetInvalid,
	"INPUT_USER_DEACTIVATED":    KindTargetInvalid,
	"MESSAGE_ID_INVALID":        KindSourceInvalid,
	"MESSAGE_IDS_EMPTY":         KindSourceInvalid,
	"AUTH_KEY_UNREGISTERED":     KindSessionInvalid,
	"AUTH_KEY_INVALID":          KindSessionInvalid,
	"AUTH_KEY_DUPLICATED":       KindSessionInvalid,
	"AUTH_KEY_PERM_EMPTY":       KindSessionInvalid,
	"SESSION_REVOKED":           KindSessionInvalid,
	"SESSION_EXPIRED":           KindSessionInvalid,
	"USER_DEACTIVATED":          KindBanned,
	"USER_DEACTIVATED_BAN":      KindBanned,
	"PHONE_NUMBER_BANNED":       KindBanned,
	"INVITE_HASH_INVALID":       KindInviteInvalid,
	"INVITE_HASH_EXPIRED":       KindInviteInvalid,
	"INVITE_HASH_EMPTY":         KindInviteInvalid,
	"INVITE_REQUEST_SENT":       KindPending,
	"USER_ALREADY_PARTICIPANT":  KindAlreadyMember,
	"USERS_TOO_MUCH":            KindChatFull,
	"CHANNELS_TOO_MUCH":         KindChannelsTooMuch,
	"USERNAME_INVALID":          KindUnresolved,
	"USERNAME_NOT_OCCUPIED":     KindUnresolved,
	"PHONE_CODE_INVALID":        KindCodeInvalid,
	"PHONE_CODE_EXPIRED":        KindCodeInvalid,
	"PHONE_CODE_EMPTY":          KindCodeInvalid,
	"PASSWORD_HASH_INVALID":     KindPasswordInvalid,
	"SESSION_PASSWORD_NEEDED":   KindPasswordNeeded,
	"PHONE_NUMBER_INVALID":      KindPhoneInvalid,
	"PHONE_NUMBER_UNOCCUPIED":   KindPhoneInvalid,
	"API_ID_INVALID":            KindCredentialsInvalid,
	"API_ID_PUBLISHED_FLOOD":    KindCredentialsInvalid,
	"PHONE_NUMBER_FLOOD":        KindFloodWait,
	"PHONE_PASSWORD_FLOOD":      KindFloodWait,
	"SLOWMODE_WAIT":             KindFloodWait,
	"FLOOD_PREMIUM_WAIT":        KindFloodWait,
}

// Classify сводит ошибку gotd к Failure. Порядок проверок важен:
// сначала отмена контекста, затем ожидание флуда, затем известные типы RPC.
func Classify(err error) Failure {
	if err == nil {
		return Failure{}
	}
	var done Failure
	if errors.As(err, &done) {
		return done
	}
	if errors.Is(err, context.Canceled) {
		return Failure{Kind: KindCanceled, Err: err}
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return Failure{Kind: KindFloodWait, Wait: d, Code: tgerr.ErrFloodWait, Err: err}
	}

	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return Failure{Kind: KindPasswordNeeded, Err: err}
	case errors.Is(err, auth.ErrPasswordInvalid):
		return Failure{Kind: KindPasswordInvalid, Err: err}
	case errors.Is(err, ErrInvalidLink):
		return Failure{Kind: KindInvalidLink, Err: err}
	case errors.Is(err, ErrMessageNotFound):
		return Failure{Kind: KindSourceInvalid, Err: err}
	case errors.Is(err, ErrChatUnresolved):
		return Failure{Kind: KindUnresolved, Err: err}
	case errors.Is(err, ErrUnauthorized):
		return Failure{Kind: KindSessionInvalid, Err: err}
	case errors.Is(err, ErrNotConnected):
		return Failure{Kind: KindConnection, Err: err}
	}
	var signUp *auth.SignUpRequired
	if errors.As(err, &signUp) {
		return Failure{Kind: KindPhoneInvalid, Err: err}
	}

	if rpc, ok := tgerr.As(err); ok {
		if kind, known := rpcKinds[rpc.Type]; known {
			f := Failure{Kind: kind, Code: rpc.Type, Err: err}
			if kind == KindFloodWait {
				f.Wait = time.Duration(rpc.Argument) * time.Second
			}
			return f
		}
		if rpc.Code == 401 || auth.IsUnauthorized(err) {
			return Failure{Kind: KindSessionInvalid, Code: rpc.Type, Err: err}
		}
		return Failure{Kind: KindUnknown, Code: rpc.Type, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Failure{Kind: KindConnection, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Failure{Kind: KindConnection, Err: err}
	}
	return Failure{Kind: KindUnknown, Err: err}
}
