package accounts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"fwdfleet/internal/accounts"
	"fwdfleet/models"
	"fwdfleet/pkg/telegram/maintenance"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/runtime/runtimetest"
	"fwdfleet/pkg/telegram/tgclient"
)

const phone = "+10000000001"

type fakeChecker struct{ calls int }

func (f *fakeChecker) Sweep(context.Context) maintenance.Report {
	f.calls++
	return maintenance.Report{Checked: 1, Queued: 1}
}

func setup(t *testing.T) (*gin.Engine, *runtimetest.Store, *runtimetest.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	conn := &runtimetest.Conn{
		Chats:    []tgclient.Chat{{ID: -100, Title: "news", Kind: tgclient.ChatChannel}},
		Messages: map[string]*tgclient.Message{"https://t.me/src/5": {ID: 5}},
	}
	var (
		calls int
		mu    sync.Mutex
	)
	mgr := runtime.NewManager(store, runtimetest.Factory(map[string]*runtimetest.Conn{phone: conn}, &calls, &mu),
		runtime.Options{Grace: 50 * time.Millisecond}, zerolog.Nop())
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	r := gin.New()
	accounts.SetupRoutes(r.Group("/accounts"), accounts.NewHandler(store, mgr, &fakeChecker{}, zerolog.Nop()))
	return r, store, conn
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListAndRemove(t *testing.T) {
	r, store, _ := setup(t)

	w := do(r, http.MethodGet, "/accounts?status=active", ``)
	var list []models.Account
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list) != 1 || list[0].Phone != phone {
		t.Fatalf("список: %d %s", w.Code, w.Body.String())
	}

	if w := do(r, http.MethodDelete, "/accounts/+19999999999", ``); w.Code != http.StatusNotFound {
		t.Fatalf("удаление неизвестного аккаунта: %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/accounts/"+phone, ``); w.Code != http.StatusOK {
		t.Fatalf("удаление: %d", w.Code)
	}
	if _, err := store.GetAccount(context.Background(), phone); err == nil {
		t.Fatalf("аккаунт должен быть удалён")
	}
}

func TestDisableAndEnable(t *testing.T) {
	r, store, _ := setup(t)

	if w := do(r, http.MethodPost, "/accounts/"+phone+"/disable", ``); w.Code != http.StatusOK {
		t.Fatalf("disable: %d", w.Code)
	}
	if store.Status(phone) != models.AccountInactive {
		t.Fatalf("статус после disable: %s", store.Status(phone))
	}
	if w := do(r, http.MethodGet, "/accounts/"+phone+"/chats", ``); w.Code != http.StatusNotFound {
		t.Fatalf("отключённый аккаунт недоступен: %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/accounts/"+phone+"/enable", ``); w.Code != http.StatusOK {
		t.Fatalf("enable: %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/accounts/+19999999999/disable", ``); w.Code != http.StatusNotFound {
		t.Fatalf("disable неизвестного: %d", w.Code)
	}
}

func TestChatsAndMessageAccess(t *testing.T) {
	r, _, _ := setup(t)

	w := do(r, http.MethodGet, "/accounts/"+phone+"/chats", ``)
	var chats []tgclient.Chat
	if err := json.Unmarshal(w.Body.Bytes(), &chats); err != nil || len(chats) != 1 || chats[0].ID != -100 {
		t.Fatalf("чаты: %d %s", w.Code, w.Body.String())
	}

	var access struct {
		Accessible bool          `json:"accessible"`
		Reason     models.Reason `json:"reason"`
	}
	w = do(r, http.MethodPost, "/accounts/"+phone+"/message-access", `{"link":"https://t.me/src/5"}`)
	if err := json.Unmarshal(w.Body.Bytes(), &access); err != nil || !access.Accessible {
		t.Fatalf("доступное сообщение: %s", w.Body.String())
	}

	access.Accessible, access.Reason = false, ""
	w = do(r, http.MethodPost, "/accounts/"+phone+"/message-access", `{"link":"https://t.me/src/6"}`)
	if err := json.Unmarshal(w.Body.Bytes(), &access); err != nil || access.Accessible || access.Reason == "" {
		t.Fatalf("недоступное сообщение: %s", w.Body.String())
	}

	w = do(r, http.MethodPost, "/accounts/"+phone+"/message-access", `{"link":"hello"}`)
	if err := json.Unmarshal(w.Body.Bytes(), &access); err != nil || access.Reason != models.ReasonInvalidLink {
		t.Fatalf("кривая ссылка: %s", w.Body.String())
	}
}
