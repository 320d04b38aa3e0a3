package tgclient

import (
	"errors"
	"testing"
)

func TestParseMessageLink(t *testing.T) {
	cases := []struct {
		in   string
		want MessageLink
	}{
		{"https://t.me/durov_channel/123", MessageLink{Username: "durov_channel", MessageID: 123}},
		{"t.me/s/durov_channel/7", MessageLink{Username: "durov_channel", MessageID: 7}},
		{"https://t.me/c/1234567890/55", MessageLink{ChannelID: 1234567890, MessageID: 55}},
		{"https://t.me/c/1234567890/12/99", MessageLink{ChannelID: 1234567890, MessageID: 99}},
		{"https://telegram.me/news_room/5?single", MessageLink{Username: "news_room", MessageID: 5}},
	}
	for _, tc := range cases {
		got, err := ParseMessageLink(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: ожидали %+v, получили %+v", tc.in, tc.want, got)
		}
	}
}

func TestParseMessageLinkRejects(t *testing.T) {
	for _, in := range []string{"", "https://example.com/a/1", "https://t.me/channel", "https://t.me/c/abc/1", "https://t.me/ab/1", "https://t.me/channel/x"} {
		if _, err := ParseMessageLink(in); !errors.Is(err, ErrInvalidLink) {
			t.Fatalf("%q: ожидали ErrInvalidLink, получили %v", in, err)
		}
	}
}

func TestParseJoinLink(t *testing.T) {
	cases := map[string]JoinLink{
		"https://t.me/+AbCdEf123":        {Kind: LinkInvite, Value: "AbCdEf123"},
		"t.me/joinchat/QWERTY":           {Kind: LinkInvite, Value: "QWERTY"},
		"tg://join?invite=XYZ":           {Kind: LinkInvite, Value: "XYZ"},
		"https://t.me/public_chat":       {Kind: LinkPublic, Value: "public_chat"},
		"@public_chat":                   {Kind: LinkPublic, Value: "public_chat"},
		"https://t.me/public_chat/42":    {Kind: LinkPublic, Value: "public_chat"},
		"tg://resolve?domain=some_group": {Kind: LinkPublic, Value: "some_group"},
	}
	for in, want := range cases {
		if got := ParseJoinLink(in); got != want {
			t.Fatalf("%s: ожидали %+v, получили %+v", in, want, got)
		}
	}

	for _, in := range []string{"https://t.me/abc", "@ab", "hello", "https://t.me/c/123/4", "https://example.com/chat"} {
		if got := ParseJoinLink(in); got.Kind != LinkUnknown {
			t.Fatalf("%s: ожидали LinkUnknown, получили %v", in, got.Kind)
		}
	}
}

func TestNormalizeUsername(t *testing.T) {
	for in, want := range map[string]string{
		"@channel_x":             "channel_x",
		"https://t.me/channel_x": "channel_x",
		"channel_x":              "channel_x",
	} {
		if got := NormalizeUsername(in); got != want {
			t.Fatalf("%s: ожидали %s, получили %s", in, want, got)
		}
	}
}

func TestMarkedIDs(t *testing.T) {
	id := MarkChannel(1234567890)
	if id != -1001234567890 {
		t.Fatalf("неверный маркированный id канала: %d", id)
	}
	raw, ok := ChannelIDFromMarked(id)
	if !ok || raw != 1234567890 {
		t.Fatalf("обратное преобразование: %d %v", raw, ok)
	}
	if _, ok := ChannelIDFromMarked(MarkChat(42)); ok {
		t.Fatalf("id обычной группы не должен считаться каналом")
	}
}
