package tgclient

import (
	"context"
	"math/rand"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// ErrMessageNotFound: сообщение по ссылке удалено или недоступно.
var ErrMessageNotFound = errors.New("message not found")

// Message: исходное сообщение для пересылки.
type Message struct {
	Chat     Chat
	ID       int
	HasMedia bool
}

// ResolveMessage находит сообщение по ссылке t.me и проверяет, что аккаунт может его прочитать.
func (c *Client) ResolveMessage(ctx context.Context, link string) (*Message, error) {
	ml, err := ParseMessageLink(link)
	if err != nil {
		return nil, err
	}
	_, api, err := c.client()
	if err != nil {
		return nil, err
	}

	var chat Chat
	if ml.Username != "" {
		chat, err = c.ResolveUsername(ctx, ml.Username)
	} else {
		chat, err = c.ResolveChat(ctx, MarkChannel(ml.ChannelID))
	}
	if err != nil {
		return nil, err
	}

	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: ml.MessageID}}
	var res tg.MessagesMessagesClass
	if p, ok := chat.peer.(*tg.InputPeerChannel); ok {
		res, err = api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash},
			ID:      ids,
		})
	} else {
		res, err = api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get message %d", ml.MessageID)
	}

	for _, raw := range messagesOf(res) {
		if m, ok := raw.(*tg.Message); ok && m.ID == ml.MessageID {
			return &Message{Chat: chat, ID: m.ID, HasMedia: m.Media != nil}, nil
		}
	}
	return nil, errors.Wrapf(ErrMessageNotFound, "%s", link)
}

func messagesOf(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesChannelMessages:
		return v.Messages
	}
	return nil
}

func (c *Client) peerOf(ctx context.Context, chat Chat) (tg.InputPeerClass, error) {
	if chat.peer != nil {
		return chat.peer, nil
	}
	resolved, err := c.ResolveChat(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	return resolved.peer, nil
}

// Forward пересылает сообщение в чат.
func (c *Client) Forward(ctx context.Context, to Chat, msg *Message) error {
	_, api, err := c.client()
	if err != nil {
		return err
	}
	toPeer, err := c.peerOf(ctx, to)
	if err != nil {
		return err
	}
	fromPeer, err := c.peerOf(ctx, msg.Chat)
	if err != nil {
		return err
	}
	_, err = api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: fromPeer,
		ID:       []int{msg.ID},
		ToPeer:   toPeer,
		RandomID: []int64{rand.Int63()},
	})
	return err
}

// SendText отправляет текстовое сообщение.
func (c *Client) SendText(ctx context.Context, to Chat, text string) error {
	_, api, err := c.client()
	if err != nil {
		return err
	}
	peer, err := c.peerOf(ctx, to)
	if err != nil {
		return err
	}
	_, err = api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int63(),
	})
	return err
}
