package tgclient

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// ErrInvalidLink: ссылка не распознана.
var ErrInvalidLink = errors.New("invalid link")

var usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{4,31}$`)

// MessageLink: разобранная ссылка на сообщение.
// Для публичных каналов заполнен Username, для приватных (t.me/c/...) заполнен ChannelID.
type MessageLink struct {
	Username  string
	ChannelID int64
	MessageID int
}

// LinkKind: вид ссылки для вступления.
type LinkKind int

const (
	LinkUnknown LinkKind = iota
	LinkInvite
	LinkPublic
)

func (k LinkKind) String() string {
	switch k {
	case LinkInvite:
		return "invite"
	case LinkPublic:
		return "public"
	default:
		return "unknown"
	}
}

// JoinLink: разобранная ссылка для вступления: хеш приглашения или username.
type JoinLink struct {
	Kind  LinkKind
	Value string
}

// splitTelegramURL отрезает схему и домен t.me и возвращает части пути.
func splitTelegramURL(raw string) ([]string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}
	switch strings.ToLower(strings.TrimPrefix(u.Host, "www.")) {
	case "t.me", "telegram.me", "telegram.dog":
	default:
		return nil, false
	}
	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts, len(parts) > 0
}

// ParseMessageLink разбирает t.me/<username>/<id>, t.me/s/<username>/<id> и t.me/c/<channel>/<id>.
// Для ссылок на комментарии и треды берётся последний числовой сегмент.
func ParseMessageLink(raw string) (MessageLink, error) {
	parts, ok := splitTelegramURL(raw)
	if !ok {
		return MessageLink{}, errors.Wrapf(ErrInvalidLink, "message link %q", raw)
	}
	if parts[0] == "s" {
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return MessageLink{}, errors.Wrapf(ErrInvalidLink, "message link %q", raw)
	}
	msgID, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || msgID <= 0 {
		return MessageLink{}, errors.Wrapf(ErrInvalidLink, "message id in %q", raw)
	}

	if parts[0] == "c" {
		if len(parts) < 3 {
			return MessageLink{}, errors.Wrapf(ErrInvalidLink, "private link %q", raw)
		}
		channelID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || channelID <= 0 {
			return MessageLink{}, errors.Wrapf(ErrInvalidLink, "channel id in %q", raw)
		}
		return MessageLink{ChannelID: channelID, MessageID: msgID}, nil
	}

	if !usernameRe.MatchString(parts[0]) {
		return MessageLink{}, errors.Wrapf(ErrInvalidLink, "username in %q", raw)
	}
	return MessageLink{Username: parts[0], MessageID: msgID}, nil
}

// ParseJoinLink определяет, по приглашению или по username нужно вступать.
// Ссылка на пост публичного канала ведёт к вступлению в сам канал.
func ParseJoinLink(raw string) JoinLink {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "@") {
		if name := s[1:]; usernameRe.MatchString(name) {
			return JoinLink{Kind: LinkPublic, Value: name}
		}
		return JoinLink{Kind: LinkUnknown, Value: s}
	}

	if strings.HasPrefix(strings.ToLower(s), "tg://") {
		u, err := url.Parse(s)
		if err != nil {
			return JoinLink{Kind: LinkUnknown, Value: s}
		}
		q := u.Query()
		switch strings.ToLower(u.Host) {
		case "join":
			if h := q.Get("invite"); h != "" {
				return JoinLink{Kind: LinkInvite, Value: h}
			}
		case "resolve":
			if d := q.Get("domain"); usernameRe.MatchString(d) {
				return JoinLink{Kind: LinkPublic, Value: d}
			}
		}
		return JoinLink{Kind: LinkUnknown, Value: s}
	}

	parts, ok := splitTelegramURL(s)
	if !ok {
		return JoinLink{Kind: LinkUnknown, Value: s}
	}
	switch {
	case strings.HasPrefix(parts[0], "+") && len(parts[0]) > 1:
		return JoinLink{Kind: LinkInvite, Value: parts[0][1:]}
	case parts[0] == "joinchat" && len(parts) > 1:
		return JoinLink{Kind: LinkInvite, Value: parts[1]}
	case parts[0] == "c" || parts[0] == "s":
		if parts[0] == "s" && len(parts) > 1 && usernameRe.MatchString(parts[1]) {
			return JoinLink{Kind: LinkPublic, Value: parts[1]}
		}
		return JoinLink{Kind: LinkUnknown, Value: s}
	case usernameRe.MatchString(parts[0]):
		return JoinLink{Kind: LinkPublic, Value: parts[0]}
	}
	return JoinLink{Kind: LinkUnknown, Value: s}
}

// NormalizeUsername убирает @ и префикс t.me у адреса.
func NormalizeUsername(s string) string {
	s = strings.TrimSpace(s)
	if parts, ok := splitTelegramURL(s); ok {
		return parts[0]
	}
	return strings.TrimPrefix(s, "@")
}
