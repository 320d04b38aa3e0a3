package tgclient

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// ErrUnauthorized: соединение есть, но сессия не авторизована.
var ErrUnauthorized = errors.New("session is not authorized")

// Self: сведения об авторизованном пользователе.
type Self struct {
	ID       int64
	Username string
	Phone    string
}

func selfFromUser(raw tg.UserClass) *Self {
	u, ok := raw.(*tg.User)
	if !ok {
		return &Self{}
	}
	return &Self{ID: u.ID, Username: u.Username, Phone: u.Phone}
}

// Self проверяет авторизацию и возвращает текущего пользователя.
func (c *Client) Self(ctx context.Context) (*Self, error) {
	cl, _, err := c.client()
	if err != nil {
		return nil, err
	}
	status, err := cl.Auth().Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "auth status")
	}
	if !status.Authorized || status.User == nil {
		return nil, ErrUnauthorized
	}
	return selfFromUser(status.User), nil
}

// SentCode: ответ на запрос кода. Authorized означает, что сессия уже вошла и код не нужен.
type SentCode struct {
	Hash       string
	Authorized bool
	Self       *Self
}

// SendCode запрашивает код подтверждения для номера.
func (c *Client) SendCode(ctx context.Context, phone string) (*SentCode, error) {
	cl, _, err := c.client()
	if err != nil {
		return nil, err
	}
	sent, err := cl.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return nil, err
	}
	switch s := sent.(type) {
	case *tg.AuthSentCode:
		return &SentCode{Hash: s.PhoneCodeHash}, nil
	case *tg.AuthSentCodeSuccess:
		res := &SentCode{Authorized: true, Self: &Self{}}
		if a, ok := s.Authorization.(*tg.AuthAuthorization); ok {
			res.Self = selfFromUser(a.User)
		}
		return res, nil
	}
	return nil, errors.Errorf("unexpected sent code type %T", sent)
}

// SignIn завершает вход кодом. При включённой 2FA возвращает auth.ErrPasswordAuthNeeded.
func (c *Client) SignIn(ctx context.Context, phone, code, hash string) (*Self, error) {
	cl, _, err := c.client()
	if err != nil {
		return nil, err
	}
	a, err := cl.Auth().SignIn(ctx, phone, code, hash)
	if err != nil {
		return nil, err
	}
	return selfFromUser(a.User), nil
}

// Password завершает вход паролем 2FA.
func (c *Client) Password(ctx context.Context, password string) (*Self, error) {
	cl, _, err := c.client()
	if err != nil {
		return nil, err
	}
	a, err := cl.Auth().Password(ctx, password)
	if err != nil {
		return nil, err
	}
	return selfFromUser(a.User), nil
}
