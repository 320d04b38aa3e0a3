package tgclient

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"
)

func TestClassifyRPCErrors(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{tgerr.New(403, "CHAT_SEND_MEDIA_FORBIDDEN"), KindMediaForbidden},
		{tgerr.New(403, "CHAT_WRITE_FORBIDDEN"), KindPermission},
		{tgerr.New(400, "USER_NOT_PARTICIPANT"), KindNotParticipant},
		{tgerr.New(400, "PEER_ID_INVALID"), KindTargetInvalid},
		{tgerr.New(400, "MESSAGE_ID_INVALID"), KindSourceInvalid},
		{tgerr.New(401, "AUTH_KEY_UNREGISTERED"), KindSessionInvalid},
		{tgerr.New(401, "SOMETHING_NEW"), KindSessionInvalid},
		{tgerr.New(401, "USER_DEACTIVATED_BAN"), KindBanned},
		{tgerr.New(400, "INVITE_HASH_EXPIRED"), KindInviteInvalid},
		{tgerr.New(400, "INVITE_REQUEST_SENT"), KindPending},
		{tgerr.New(400, "USER_ALREADY_PARTICIPANT"), KindAlreadyMember},
		{tgerr.New(400, "CHANNEL_PRIVATE"), KindPrivate},
		{tgerr.New(400, "PHONE_CODE_INVALID"), KindCodeInvalid},
		{tgerr.New(400, "API_ID_INVALID"), KindCredentialsInvalid},
		{tgerr.New(400, "WHATEVER_ELSE"), KindUnknown},
	}
	for _, tc := range cases {
		wrapped := errors.Wrap(tc.err, "call")
		if got := Classify(wrapped).Kind; got != tc.kind {
			t.Fatalf("%v: ожидали %v, получили %v", tc.err, tc.kind, got)
		}
	}
}

func TestClassifyFloodWait(t *testing.T) {
	f := Classify(errors.Wrap(tgerr.New(420, "FLOOD_WAIT_37"), "forward"))
	if f.Kind != KindFloodWait || f.Wait != 37*time.Second {
		t.Fatalf("ожидали ожидание 37s, получили %+v", f)
	}
	f = Classify(tgerr.New(420, "SLOWMODE_WAIT_12"))
	if f.Kind != KindFloodWait || f.Wait != 12*time.Second {
		t.Fatalf("slowmode тоже ожидание: %+v", f)
	}
}

func TestClassifyLocalErrors(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{auth.ErrPasswordAuthNeeded, KindPasswordNeeded},
		{auth.ErrPasswordInvalid, KindPasswordInvalid},
		{ErrNotConnected, KindConnection},
		{ErrUnauthorized, KindSessionInvalid},
		{errors.Wrap(ErrMessageNotFound, "x"), KindSourceInvalid},
		{errors.Wrap(ErrChatUnresolved, "x"), KindUnresolved},
		{io.EOF, KindConnection},
		{context.Canceled, KindCanceled},
		{errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err).Kind; got != tc.kind {
			t.Fatalf("%v: ожидали %v, получили %v", tc.err, tc.kind, got)
		}
	}
}

func TestFailureFatal(t *testing.T) {
	for _, k := range []Kind{KindSessionInvalid, KindBanned, KindConnection} {
		if !(Failure{Kind: k}).Fatal() {
			t.Fatalf("%v должен быть фатальным", k)
		}
	}
	for _, k := range []Kind{KindFloodWait, KindMediaForbidden, KindPermission, KindUnknown} {
		if (Failure{Kind: k}).Fatal() {
			t.Fatalf("%v не фатальный", k)
		}
	}
}

func TestClassifyKeepsFailure(t *testing.T) {
	orig := Failure{Kind: KindConnection, Err: errors.New("dial")}
	if got := Classify(errors.Wrap(orig, "connect")); got.Kind != KindConnection {
		t.Fatalf("уже классифицированная ошибка сохраняет класс, получили %s", got.Kind)
	}
}
