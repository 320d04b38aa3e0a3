package joins_test

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

	"fwdfleet/internal/joins"
	"fwdfleet/pkg/telegram/join"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/runtime/runtimetest"
)

const phone = "+10000000001"

func setup(t *testing.T) (*gin.Engine, *runtimetest.Conn, *runtimetest.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn := &runtimetest.Conn{}
	store := runtimetest.NewStore(runtimetest.ActiveAccount(phone))
	var (
		calls int
		mu    sync.Mutex
	)
	mgr := runtime.NewManager(store, runtimetest.Factory(map[string]*runtimetest.Conn{phone: conn}, &calls, &mu),
		runtime.Options{Grace: 50 * time.Millisecond}, zerolog.Nop())
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	engine := join.New(store, mgr, join.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
		Delay: func() time.Duration { return 0 },
	}, zerolog.Nop())
	r := gin.New()
	joins.SetupRoutes(r.Group("/joins"), joins.NewHandler(mgr, engine, zerolog.Nop()))
	return r, conn, store
}

func post(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJoinReturnsOutcomesPerLink(t *testing.T) {
	r, conn, _ := setup(t)

	w := post(r, "/joins/"+phone, `{"links":["https://t.me/public_chat","not a link"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("join: %d %s", w.Code, w.Body.String())
	}
	var body struct {
		Outcomes map[string]string `json:"outcomes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Outcomes["https://t.me/public_chat"] != "success" {
		t.Fatalf("outcomes = %v", body.Outcomes)
	}
	if body.Outcomes["not a link"] != "failed(invalid_link)" {
		t.Fatalf("outcomes = %v", body.Outcomes)
	}
	if len(conn.Joined) != 1 {
		t.Fatalf("joined = %v", conn.Joined)
	}
}

func TestJoinRejectsBadRequests(t *testing.T) {
	r, _, _ := setup(t)

	if w := post(r, "/joins/"+phone, `{"links":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("пустой список: %d", w.Code)
	}
	if w := post(r, "/joins/+19999999999", `{"links":["https://t.me/x"]}`); w.Code != http.StatusNotFound {
		t.Fatalf("неизвестный аккаунт: %d", w.Code)
	}
}

func TestPreviewDoesNotJoin(t *testing.T) {
	r, conn, _ := setup(t)

	w := post(r, "/joins/"+phone+"/preview", `{"links":["https://t.me/public_chat","https://t.me/+AbCdEf","not a link"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("preview: %d %s", w.Code, w.Body.String())
	}
	var body struct {
		Links []join.LinkInfo `json:"links"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Links) != 3 {
		t.Fatalf("links = %+v", body.Links)
	}
	if body.Links[0].Chat == nil || body.Links[0].Chat.Username != "public_chat" {
		t.Fatalf("публичная ссылка: %+v", body.Links[0])
	}
	if body.Links[1].Chat == nil || body.Links[1].Chat.Title != "AbCdEf" {
		t.Fatalf("приглашение: %+v", body.Links[1])
	}
	if body.Links[2].Reason != "invalid_link" {
		t.Fatalf("неразборчивая ссылка: %+v", body.Links[2])
	}
	if len(conn.Joined) != 0 {
		t.Fatalf("предпросмотр не вступает в чаты: %v", conn.Joined)
	}
	if w := post(r, "/joins/"+phone+"/preview", `{"links":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("пустой список: %d", w.Code)
	}
}
