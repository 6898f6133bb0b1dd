package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"call-insights/internal/audit"
	"call-insights/internal/auth"
	"call-insights/internal/broadcast"
	"call-insights/internal/calls"
	"call-insights/internal/config"
	"call-insights/internal/engine"
	"call-insights/internal/notify"
	"call-insights/internal/pipeline"
	"call-insights/internal/reaper"
	"call-insights/internal/reporting"
	"call-insights/internal/storage"
)

type testEnv struct {
	router *gin.Engine
	store  *storage.MemoryStore
	hub    *broadcast.Hub
	jobs   *pipeline.Orchestrator
	audit  *audit.MemoryRepo
	chats  *notify.MemoryDirectory
	auth   *auth.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	am, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		JWTIssuer:       "call-insights",
		JWTAudience:     "call-insights-api",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	store := storage.NewMemoryStore()
	repo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(repo)

	var jobs *pipeline.Orchestrator
	hub := broadcast.NewHub(broadcast.SnapshotFunc(func(ctx context.Context, id string) (broadcast.Snapshot, error) {
		return jobs.Snapshot(ctx, id)
	}), 16, nil)
	t.Cleanup(hub.Close)

	jobs = pipeline.New(pipeline.Config{}, pipeline.Deps{
		Store: store,
		Transcriber: engine.TranscriberFunc(func(ctx context.Context, audioPath, language string) (engine.Transcript, error) {
			return engine.Transcript{}, nil
		}),
		Analyzer:  engine.NewRuleAnalyzer(),
		Publisher: hub,
		Audit:     auditSvc,
	})

	chats := notify.NewMemoryDirectory()
	h := Handlers{
		Auth:      am,
		Jobs:      jobs,
		Store:     store,
		Hub:       hub,
		Reports:   reporting.NewService(store, nil),
		Reaper:    reaper.New(store, jobs, 30*time.Minute, nil).WithAudit(auditSvc),
		Retention: reaper.NewRetention(store, jobs, 0, nil),
		Chats:     chats,
		Audit:     auditSvc,
	}
	r := gin.New()
	h.Register(r, auth.RequireAccessToken(am))

	return &testEnv{router: r, store: store, hub: hub, jobs: jobs, audit: repo, chats: chats, auth: am}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	pair, err := e.auth.IssuePair(time.Now(), userID, role)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return pair.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(id, owner string, status calls.Status) {
	now := time.Now().UTC()
	e.store.Put(calls.Call{
		ID:        id,
		OwnerID:   owner,
		Status:    status,
		Source:    calls.SourceWeb,
		Language:  "en",
		AudioPath: "/audio/" + id + ".ogg",
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"user_id": "u1", "role": "user"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if tok, _ := decode(t, w)["access_token"].(string); tok == "" {
		t.Fatalf("expected access token")
	}

	w = e.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"user_id": "u1", "role": "root"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}
}

func TestCreateCall_ValidatesAndQueues(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "u1", "user")

	w := e.do(t, http.MethodPost, "/v1/calls", tok, gin.H{"audio_path": "/a.ogg", "language": "en", "source": "fax"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if f, _ := decode(t, w)["field"].(string); f == "" {
		t.Fatalf("expected the offending field in %s", w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/v1/calls", tok, gin.H{"audio_path": "/a.ogg", "language": "en", "source": "web"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := decode(t, w)["id"].(string)
	c, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.OwnerID != "u1" || c.Status != calls.StatusPending {
		t.Fatalf("unexpected call %+v", c)
	}
	if e.jobs.QueueLen() != 1 {
		t.Fatalf("expected the call to be queued, queue=%d", e.jobs.QueueLen())
	}

	if w := e.do(t, http.MethodPost, "/v1/calls", "", gin.H{"audio_path": "/a.ogg"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestCallAccess_OwnerOrAdmin(t *testing.T) {
	e := newTestEnv(t)
	e.seed("c1", "u1", calls.StatusPending)

	if w := e.do(t, http.MethodGet, "/v1/calls/c1/status", e.token(t, "u1", "user"), nil); w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", w.Code)
	} else if decode(t, w)["status"] != "pending" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if w := e.do(t, http.MethodGet, "/v1/calls/c1", e.token(t, "u2", "user"), nil); w.Code != http.StatusNotFound {
		t.Fatalf("stranger: expected 404, got %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/v1/calls/c1", e.token(t, "root", "admin"), nil); w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/v1/calls/missing", e.token(t, "u1", "user"), nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
}

func TestReprocessCall(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "u1", "user")
	e.seed("failed", "u1", calls.StatusFailed)
	e.seed("done", "u1", calls.StatusCompleted)
	e.seed("busy", "u1", calls.StatusProcessing)

	if w := e.do(t, http.MethodPost, "/v1/calls/failed/reprocess", tok, nil); w.Code != http.StatusAccepted {
		t.Fatalf("failed: expected 202, got %d", w.Code)
	}
	if c, _ := e.store.Get(context.Background(), "failed"); c.Status != calls.StatusPending {
		t.Fatalf("expected pending after reprocess, got %s", c.Status)
	}
	if len(e.audit.ForCall("failed")) != 1 {
		t.Fatalf("expected reprocess to be audited")
	}

	if w := e.do(t, http.MethodPost, "/v1/calls/done/reprocess", tok, nil); w.Code != http.StatusConflict {
		t.Fatalf("completed without force: expected 409, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/calls/done/reprocess?force=true", tok, nil); w.Code != http.StatusAccepted {
		t.Fatalf("completed with force: expected 202, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/calls/busy/reprocess?force=true", tok, nil); w.Code != http.StatusConflict {
		t.Fatalf("processing: expected 409, got %d", w.Code)
	}
}

func TestDeleteCall(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "u1", "user")
	e.seed("busy", "u1", calls.StatusProcessing)
	e.seed("c1", "u1", calls.StatusCompleted)

	if w := e.do(t, http.MethodDelete, "/v1/calls/busy", tok, nil); w.Code != http.StatusConflict {
		t.Fatalf("processing: expected 409, got %d", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/v1/calls/c1", tok, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if _, err := e.store.Get(context.Background(), "c1"); err == nil {
		t.Fatalf("expected call to be gone")
	}
	events := e.audit.ForCall("c1")
	if len(events) != 1 || events[0].Type != audit.EventTypeCallDelete || events[0].ActorUserID != "u1" {
		t.Fatalf("unexpected audit trail %+v", events)
	}
}

func TestSetTelegramChat(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "u1", "user")

	if w := e.do(t, http.MethodPut, "/v1/me/telegram", tok, gin.H{"chat_id": "42"}); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if id, ok, _ := e.chats.ChatID(context.Background(), "u1"); !ok || id != "42" {
		t.Fatalf("expected linked chat, got %q ok=%v", id, ok)
	}
}

func TestAdminRoutes(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, "root", "admin")

	if w := e.do(t, http.MethodPost, "/v1/admin/reaper/run", e.token(t, "u1", "user"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("user: expected 403, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/admin/reaper/run", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("reaper: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := e.do(t, http.MethodPost, "/v1/admin/retention/run", admin, nil); w.Code != http.StatusConflict {
		t.Fatalf("disabled retention: expected 409, got %d", w.Code)
	}

	w := e.do(t, http.MethodPost, "/v1/admin/reports/2026-10-14", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("generate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["date"] != "2026-10-14" {
		t.Fatalf("unexpected report %s", w.Body.String())
	}
	if w := e.do(t, http.MethodPost, "/v1/admin/reports/14.10.2026", admin, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad date: expected 400, got %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/v1/admin/reports?from=2026-10-01&to=2026-10-31", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	if got, _ := decode(t, w)["reports"].([]any); len(got) != 1 {
		t.Fatalf("expected one stored report, got %s", w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/v1/admin/reports/export.xlsx", admin, nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != xlsxContentType {
		t.Fatalf("export: unexpected %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if w.Body.Len() == 0 {
		t.Fatalf("expected a workbook body")
	}
}

func dialWS(t *testing.T, srv *httptest.Server, path, token string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	return ws, err
}

func readEvent(t *testing.T, ws *websocket.Conn) broadcast.Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var e broadcast.Event
	if err := ws.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return e
}

func TestWatchCall_SnapshotPingAndEvents(t *testing.T) {
	e := newTestEnv(t)
	e.seed("c1", "u1", calls.StatusPending)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ws, err := dialWS(t, srv, "/v1/ws/calls/c1", e.token(t, "u1", "user"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	snap := readEvent(t, ws)
	if snap.Type != broadcast.EventStatus || snap.Status != calls.StatusPending || snap.CallID != "c1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if err := ws.WriteJSON(gin.H{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readEvent(t, ws); got.Type != broadcast.EventPong {
		t.Fatalf("expected pong, got %+v", got)
	}

	if err := ws.WriteJSON(gin.H{"type": "subscribe", "topic": "user:u2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readEvent(t, ws); got.Type != broadcast.EventError || got.Message == "" {
		t.Fatalf("expected error reply for a foreign topic, got %+v", got)
	}

	p := 50
	e.hub.Publish(broadcast.JobTopic("c1"), broadcast.Event{Type: broadcast.EventProgress, CallID: "c1", Progress: &p})
	got := readEvent(t, ws)
	if got.Type != broadcast.EventProgress || got.Progress == nil || *got.Progress != 50 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestWatchCall_RefusedSubscriptionsClose(t *testing.T) {
	e := newTestEnv(t)
	e.seed("c1", "u1", calls.StatusPending)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	cases := []struct {
		path string
		code int
	}{
		{"/v1/ws/calls/c1", CloseForbidden},
		{"/v1/ws/calls/missing", CloseNotFound},
	}
	for _, tc := range cases {
		ws, err := dialWS(t, srv, tc.path, e.token(t, "u2", "user"))
		if err != nil {
			t.Fatalf("%s dial: %v", tc.path, err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err = ws.ReadMessage()
		if !websocket.IsCloseError(err, tc.code) {
			t.Fatalf("%s: expected close %d, got %v", tc.path, tc.code, err)
		}
		ws.Close()
	}

	if _, err := dialWS(t, srv, "/v1/ws/calls/c1", "bogus"); err == nil {
		t.Fatalf("expected handshake to fail without a valid token")
	}
}
