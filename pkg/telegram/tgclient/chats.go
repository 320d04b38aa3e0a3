package tgclient

import (
	"context"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// ErrChatUnresolved: чат не найден ни в кеше, ни в диалогах аккаунта.
var ErrChatUnresolved = errors.New("chat unresolved")

const (
	dialogsPageSize = 100
	dialogsLimit    = 500

	channelIDShift = 1000000000000
)

type ChatKind string

const (
	ChatChannel ChatKind = "channel"
	ChatGroup   ChatKind = "group"
	ChatUser    ChatKind = "user"
)

// Chat: чат или канал, доступный аккаунту. ID хранится в «маркированном» виде:
// каналы -100xxxxxxxxxx, обычные группы -xxxx, пользователи как есть.
type Chat struct {
	ID       int64    `json:"id"`
	Kind     ChatKind `json:"type"`
	Title    string   `json:"name"`
	Username string   `json:"username,omitempty"`

	peer tg.InputPeerClass
}

// NewChat нужен тестам и вызывающим, у которых уже есть InputPeer.
func NewChat(id int64, kind ChatKind, title string, peer tg.InputPeerClass) Chat {
	return Chat{ID: id, Kind: kind, Title: title, peer: peer}
}

// InputPeer возвращает адрес чата для RPC; nil, если чат не разрешён через клиент.
func (c Chat) InputPeer() tg.InputPeerClass { return c.peer }

// Link: ссылка на публичный чат, пустая для приватных.
func (c Chat) Link() string {
	if c.Username == "" {
		return ""
	}
	return "https://t.me/" + c.Username
}

func MarkChannel(id int64) int64 { return -(channelIDShift + id) }
func MarkChat(id int64) int64    { return -id }

// ChannelIDFromMarked возвращает исходный id канала, если маркированный id принадлежит каналу.
func ChannelIDFromMarked(id int64) (int64, bool) {
	if id <= -channelIDShift {
		return -id - channelIDShift, true
	}
	return 0, false
}

func chatFromClass(raw tg.ChatClass) (Chat, bool) {
	switch ch := raw.(type) {
	case *tg.Channel:
		kind := ChatChannel
		if ch.Megagroup || ch.Gigagroup {
			kind = ChatGroup
		}
		return Chat{
			ID:       MarkChannel(ch.ID),
			Kind:     kind,
			Title:    ch.Title,
			Username: ch.Username,
			peer:     &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
		}, true
	case *tg.Chat:
		if ch.Deactivated {
			return Chat{}, false
		}
		return Chat{
			ID:    MarkChat(ch.ID),
			Kind:  ChatGroup,
			Title: ch.Title,
			peer:  &tg.InputPeerChat{ChatID: ch.ID},
		}, true
	}
	return Chat{}, false
}

func chatFromUser(u *tg.User) Chat {
	title := u.FirstName
	if u.LastName != "" {
		title += " " + u.LastName
	}
	return Chat{
		ID:       u.ID,
		Kind:     ChatUser,
		Title:    title,
		Username: u.Username,
		peer:     &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash},
	}
}

func (c *Client) remember(chats ...Chat) {
	c.chatsMu.Lock()
	defer c.chatsMu.Unlock()
	for _, ch := range chats {
		c.chats[ch.ID] = ch
	}
}

func (c *Client) cached(id int64) (Chat, bool) {
	c.chatsMu.Lock()
	defer c.chatsMu.Unlock()
	ch, ok := c.chats[id]
	return ch, ok
}

// JoinedChats возвращает группы и каналы из диалогов аккаунта (не больше 500).
// Диалоги читаются страницами по 100, как в клиентских приложениях.
func (c *Client) JoinedChats(ctx context.Context) ([]Chat, error) {
	_, api, err := c.client()
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var (
		out        []Chat
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
		offsetID   int
		offsetDate int
	)
	for scanned := 0; scanned < dialogsLimit; {
		res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetPeer: offsetPeer,
			OffsetID:   offsetID,
			OffsetDate: offsetDate,
			Limit:      dialogsPageSize,
		})
		if err != nil {
			return nil, errors.Wrap(err, "get dialogs")
		}
		dialogs, ok := res.AsModified()
		if !ok {
			break
		}

		index := newPeerIndex(dialogs.GetChats(), dialogs.GetUsers())
		list := dialogs.GetDialogs()
		var last *tg.Dialog
		for _, raw := range list {
			d, ok := raw.(*tg.Dialog)
			if !ok {
				continue
			}
			last = d
			scanned++
			ch, ok := index.chat(d.Peer)
			if !ok || ch.Kind == ChatUser || seen[ch.ID] {
				continue
			}
			seen[ch.ID] = true
			out = append(out, ch)
			if scanned >= dialogsLimit {
				break
			}
		}

		if _, full := res.(*tg.MessagesDialogs); full || len(list) < dialogsPageSize || last == nil {
			break
		}
		next, ok := index.input(last.Peer)
		if !ok {
			break
		}
		offsetPeer = next
		offsetID = last.TopMessage
		offsetDate = messageDate(dialogs.GetMessages(), last.Peer, last.TopMessage)
	}

	c.remember(out...)
	return out, nil
}

// ResolveChat ищет чат по маркированному id в кеше, при промахе перечитывает диалоги.
func (c *Client) ResolveChat(ctx context.Context, id int64) (Chat, error) {
	if ch, ok := c.cached(id); ok {
		return ch, nil
	}
	if _, err := c.JoinedChats(ctx); err != nil {
		return Chat{}, err
	}
	if ch, ok := c.cached(id); ok {
		return ch, nil
	}
	return Chat{}, errors.Wrapf(ErrChatUnresolved, "chat %d", id)
}

// ResolveUsername разрешает публичный username в чат или пользователя.
func (c *Client) ResolveUsername(ctx context.Context, username string) (Chat, error) {
	_, api, err := c.client()
	if err != nil {
		return Chat{}, err
	}
	resolved, err := api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return Chat{}, errors.Wrapf(err, "resolve %s", username)
	}
	ch, ok := newPeerIndex(resolved.Chats, resolved.Users).chat(resolved.Peer)
	if !ok {
		return Chat{}, errors.Wrapf(ErrChatUnresolved, "username %s", username)
	}
	c.remember(ch)
	return ch, nil
}

// ResolveTarget принимает числовой id чата, @username или ссылку t.me.
func (c *Client) ResolveTarget(ctx context.Context, target string) (Chat, error) {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return c.ResolveChat(ctx, id)
	}
	name := NormalizeUsername(target)
	if !usernameRe.MatchString(name) {
		return Chat{}, errors.Wrapf(ErrInvalidLink, "target %q", target)
	}
	return c.ResolveUsername(ctx, name)
}

type peerIndex struct {
	channels map[int64]*tg.Channel
	chats    map[int64]*tg.Chat
	users    map[int64]*tg.User
}

func newPeerIndex(chats []tg.ChatClass, users []tg.UserClass) peerIndex {
	idx := peerIndex{
		channels: make(map[int64]*tg.Channel),
		chats:    make(map[int64]*tg.Chat),
		users:    make(map[int64]*tg.User),
	}
	for _, raw := range chats {
		switch ch := raw.(type) {
		case *tg.Channel:
			idx.channels[ch.ID] = ch
		case *tg.Chat:
			idx.chats[ch.ID] = ch
		}
	}
	for _, raw := range users {
		if u, ok := raw.(*tg.User); ok {
			idx.users[u.ID] = u
		}
	}
	return idx
}

func (idx peerIndex) chat(p tg.PeerClass) (Chat, bool) {
	switch p := p.(type) {
	case *tg.PeerChannel:
		if ch, ok := idx.channels[p.ChannelID]; ok {
			return chatFromClass(ch)
		}
	case *tg.PeerChat:
		if ch, ok := idx.chats[p.ChatID]; ok {
			return chatFromClass(ch)
		}
	case *tg.PeerUser:
		if u, ok := idx.users[p.UserID]; ok {
			return chatFromUser(u), true
		}
	}
	return Chat{}, false
}

func (idx peerIndex) input(p tg.PeerClass) (tg.InputPeerClass, bool) {
	ch, ok := idx.chat(p)
	if !ok {
		return nil, false
	}
	return ch.peer, true
}

func samePeer(a, b tg.PeerClass) bool {
	switch a := a.(type) {
	case *tg.PeerChannel:
		b, ok := b.(*tg.PeerChannel)
		return ok && a.ChannelID == b.ChannelID
	case *tg.PeerChat:
		b, ok := b.(*tg.PeerChat)
		return ok && a.ChatID == b.ChatID
	case *tg.PeerUser:
		b, ok := b.(*tg.PeerUser)
		return ok && a.UserID == b.UserID
	}
	return false
}

func messageDate(messages []tg.MessageClass, peer tg.PeerClass, id int) int {
	for _, raw := range messages {
		switch m := raw.(type) {
		case *tg.Message:
			if m.ID == id && samePeer(m.PeerID, peer) {
				return m.Date
			}
		case *tg.MessageService:
			if m.ID == id && samePeer(m.PeerID, peer) {
				return m.Date
			}
		}
	}
	return 0
}

// chatsFromUpdates достаёт чаты из ответа на вступление.
func chatsFromUpdates(u tg.UpdatesClass) []Chat {
	var raw []tg.ChatClass
	switch v := u.(type) {
	case *tg.Updates:
		raw = v.Chats
	case *tg.UpdatesCombined:
		raw = v.Chats
	}
	var out []Chat
	for _, r := range raw {
		if ch, ok := chatFromClass(r); ok {
			out = append(out, ch)
		}
	}
	return out
}
