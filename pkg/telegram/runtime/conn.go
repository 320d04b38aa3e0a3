// Package runtime владеет постоянными соединениями рабочих аккаунтов.
// На каждый аккаунт приходится один Handle: соединение, собственная горутина-исполнитель
// и блокировка аккаунта. Все операции Telegram аккаунта выполняются только на его исполнителе.
package runtime

import (
	"context"

	"fwdfleet/models"
	"fwdfleet/pkg/telegram/tgclient"
)

// Conn: соединение аккаунта с Telegram. Реализуется *tgclient.Client.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Self(ctx context.Context) (*tgclient.Self, error)

	JoinedChats(ctx context.Context) ([]tgclient.Chat, error)
	ResolveChat(ctx context.Context, id int64) (tgclient.Chat, error)
	ResolveTarget(ctx context.Context, target string) (tgclient.Chat, error)
	ResolveMessage(ctx context.Context, link string) (*tgclient.Message, error)
	Forward(ctx context.Context, to tgclient.Chat, msg *tgclient.Message) error
	SendText(ctx context.Context, to tgclient.Chat, text string) error

	CheckInvite(ctx context.Context, hash string) (*tgclient.Invite, error)
	ImportInvite(ctx context.Context, hash string) (*tgclient.Chat, error)
	JoinPublic(ctx context.Context, username string) (*tgclient.Chat, error)
}

// ConnFactory создаёт соединение по сохранённым данным аккаунта.
type ConnFactory func(acc models.Account) (Conn, error)

// Store: часть хранилища, которую использует рантайм.
type Store interface {
	GetAccount(ctx context.Context, phone string) (*models.Account, error)
	StartablePhones(ctx context.Context) ([]string, error)
	UpdateAccountStatus(ctx context.Context, phone string, status models.AccountStatus, lastError *string) error
	MarkAccountActive(ctx context.Context, phone, username string) error
	DeleteSession(ctx context.Context, phone string) error
	DeleteAccount(ctx context.Context, phone string) error
}

var _ Conn = (*tgclient.Client)(nil)
