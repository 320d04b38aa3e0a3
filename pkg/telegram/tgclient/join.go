package tgclient

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// Invite: результат проверки хеша приглашения.
type Invite struct {
	Already       bool
	Chat          *Chat
	Title         string
	RequestNeeded bool
}

// CheckInvite проверяет приглашение без вступления.
func (c *Client) CheckInvite(ctx context.Context, hash string) (*Invite, error) {
	_, api, err := c.client()
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case *tg.ChatInviteAlready:
		inv := &Invite{Already: true}
		if ch, ok := chatFromClass(v.Chat); ok {
			c.remember(ch)
			inv.Chat, inv.Title = &ch, ch.Title
		}
		return inv, nil
	case *tg.ChatInvitePeek:
		inv := &Invite{}
		if ch, ok := chatFromClass(v.Chat); ok {
			inv.Chat, inv.Title = &ch, ch.Title
		}
		return inv, nil
	case *tg.ChatInvite:
		return &Invite{Title: v.Title, RequestNeeded: v.RequestNeeded}, nil
	}
	return nil, errors.Errorf("unexpected invite type %T", res)
}

// ImportInvite вступает по хешу приглашения.
func (c *Client) ImportInvite(ctx context.Context, hash string) (*Chat, error) {
	_, api, err := c.client()
	if err != nil {
		return nil, err
	}
	upd, err := api.MessagesImportChatInvite(ctx, hash)
	if err != nil {
		return nil, err
	}
	chats := chatsFromUpdates(upd)
	if len(chats) == 0 {
		return nil, nil
	}
	c.remember(chats...)
	return &chats[0], nil
}

// JoinPublic вступает в публичный канал или супергруппу по username.
func (c *Client) JoinPublic(ctx context.Context, username string) (*Chat, error) {
	_, api, err := c.client()
	if err != nil {
		return nil, err
	}
	ch, err := c.ResolveUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	p, ok := ch.peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, errors.Wrapf(ErrChatUnresolved, "%s is not a channel", username)
	}
	if _, err := api.ChannelsJoinChannel(ctx, &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}); err != nil {
		return nil, err
	}
	return &ch, nil
}
