package transporthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/charsync/internal/access"
	"example.com/charsync/internal/config"
	"example.com/charsync/internal/convergence"
	"example.com/charsync/internal/domain"
	"example.com/charsync/internal/ingest"
	"example.com/charsync/internal/storage/memory"
)

const refresh = domain.DefaultRefreshEventType

type server struct {
	store   *memory.Store
	guard   *convergence.Guard
	handler http.Handler
}

func newServer(t *testing.T, waitTimeout time.Duration) *server {
	t.Helper()
	now := time.UnixMilli(10_000)
	s := memory.New()
	s.PutAccount(domain.Account{
		ID: "00001", Login: "some_user", Password: "qwerty",
		Access: []domain.AccessEntry{
			{ID: "10001", Timestamp: now.UnixMilli() + 60_000},
			{ID: "10002", Timestamp: now.UnixMilli() - 1},
		},
	})
	s.PutAccount(domain.Account{ID: "10001", Login: "some_lab_technician", Password: "research"})
	s.PutAccount(domain.Account{ID: "10002", Login: "some_fired_lab_technician", Password: "beer"})
	s.PutAccount(domain.Account{ID: "55555", Login: "user_without_model", Password: "nomodel"})
	for _, variant := range []string{"default", "mobile"} {
		vm, err := domain.NewViewModel("00001", variant, json.RawMessage(`{"timestamp":420,"updatesCount":0,"_rev":"1-a"}`))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.PutViewModel(vm); err != nil {
			t.Fatal(err)
		}
	}

	clock := func() time.Time { return now }
	guard := convergence.NewGuard()
	index := convergence.NewIndex(s, refresh, 0, clock)
	waiter := convergence.NewWaiter(s, guard, waitTimeout)
	gw := ingest.NewGateway(s, s, index, waiter, ingest.Options{
		RefreshEventType: refresh,
		FutureHorizon:    30 * time.Second,
		Variants:         []string{"default", "mobile"},
		Now:              clock,
	})
	deps := &ServerDeps{
		Cfg: config.Config{
			DefaultVariant: "default",
			Variants:       []string{"default", "mobile"},
			MaxBodyBytes:   1 << 20,
		},
		Gateway: gw,
		Gate:    access.NewGate(s, clock),
		Store:   s,
		Now:     clock,
	}
	return &server{store: s, guard: guard, handler: deps.Router()}
}

type call struct {
	method, path, body string
	login, password    string
	contentType        string
}

func (s *server) do(c call) *httptest.ResponseRecorder {
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	if c.body != "" {
		ct := c.contentType
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}
	if c.login != "" {
		req.SetBasicAuth(c.login, c.password)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func asOwner(method, path, body string) call {
	return call{method: method, path: path, body: body, login: "some_user", password: "qwerty"}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// publishOnRefresh answers the first stored refresh event with a view model
// stamped at that event's timestamp.
func publishOnRefresh(ctx context.Context, s *memory.Store, variant string) {
	for ctx.Err() == nil {
		for _, ev := range s.Events("00001") {
			if ev.EventType != refresh {
				continue
			}
			body := fmt.Sprintf(`{"timestamp":%d,"updatesCount":1,"_rev":"2-b"}`, ev.Timestamp)
			vm, _ := domain.NewViewModel("00001", variant, json.RawMessage(body))
			_ = s.PutViewModel(vm)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTimeIsPublic(t *testing.T) {
	srv := newServer(t, time.Second)
	rec := srv.do(call{method: http.MethodGet, path: "/time"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	decode(t, rec, &body)
	if body.ServerTime != 10_000 {
		t.Fatalf("serverTime = %d", body.ServerTime)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}
}

func TestHealthAndReady(t *testing.T) {
	srv := newServer(t, time.Second)
	for _, path := range []string{"/healthz", "/readyz"} {
		if rec := srv.do(call{method: http.MethodGet, path: path}); rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}

func TestCredentialErrors(t *testing.T) {
	srv := newServer(t, time.Second)
	body := `{"events":[{"eventType":"Walk","timestamp":4000}]}`

	rec := srv.do(call{method: http.MethodPost, path: "/events/some_user", body: body})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Basic") {
		t.Fatalf("missing WWW-Authenticate challenge")
	}

	rec = srv.do(call{method: http.MethodPost, path: "/events/some_user", body: body, login: "some_user", password: "wrong one"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d", rec.Code)
	}

	rec = srv.do(call{method: http.MethodPost, path: "/events/4444", body: body, login: "4444", password: "4444"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown login: status = %d", rec.Code)
	}
	if len(srv.store.Events("00001")) != 0 {
		t.Fatalf("rejected requests must not store events")
	}
}

func TestDelegatedAccess(t *testing.T) {
	srv := newServer(t, 20*time.Millisecond)
	body := `{"events":[{"eventType":"Walk","timestamp":4000}]}`

	rec := srv.do(call{method: http.MethodPost, path: "/events/some_user", body: body, login: "some_lab_technician", password: "research"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delegated: status = %d body=%s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		ID string `json:"id"`
	}
	decode(t, rec, &accepted)
	if accepted.ID != "00001" {
		t.Fatalf("id = %q, want canonical id", accepted.ID)
	}

	rec = srv.do(call{method: http.MethodPost, path: "/events/some_user", body: body, login: "some_fired_lab_technician", password: "beer"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired delegation: status = %d", rec.Code)
	}

	rec = srv.do(call{method: http.MethodGet, path: "/events/55555", login: "some_user", password: "qwerty"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign character: status = %d", rec.Code)
	}
}

func TestPostEventsValidation(t *testing.T) {
	srv := newServer(t, time.Second)

	cases := map[string]string{
		"missing events": `{}`,
		"null events":    `{"events":null}`,
		"object events":  `{"events":{"eventType":"Walk"}}`,
		"no timestamp":   `{"events":[{"eventType":"Walk"}]}`,
		"no event type":  `{"events":[{"timestamp":4000}]}`,
		"broken json":    `{"events":[`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := srv.do(asOwner(http.MethodPost, "/events/some_user", body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Fatalf("content type = %q", ct)
			}
		})
	}

	rec := srv.do(asOwner(http.MethodPost, "/events/some_user", `{}`))
	var p Problem
	decode(t, rec, &p)
	if len(p.Errors["events"]) == 0 {
		t.Fatalf("expected a field error for events, got %+v", p)
	}
}

func TestPostEventsRequiresJSON(t *testing.T) {
	srv := newServer(t, time.Second)
	c := asOwner(http.MethodPost, "/events/some_user", "events=1")
	c.contentType = "application/x-www-form-urlencoded"
	if rec := srv.do(c); rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPostEventsConflictOnStaleEvent(t *testing.T) {
	srv := newServer(t, time.Second)
	rec := srv.do(asOwner(http.MethodPost, "/events/some_user",
		`{"events":[{"eventType":"Walk","timestamp":5000},{"eventType":"Walk","timestamp":420}]}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if n := len(srv.store.Events("00001")); n != 0 {
		t.Fatalf("stored %d events from a rejected batch", n)
	}
}

func TestPostEventsUnknownViewModel(t *testing.T) {
	srv := newServer(t, time.Second)
	rec := srv.do(call{
		method:   http.MethodPost,
		path:     "/events/user_without_model",
		body:     `{"events":[{"eventType":"Walk","timestamp":4000}]}`,
		login:    "user_without_model",
		password: "nomodel",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = srv.do(asOwner(http.MethodPost, "/events/some_user?type=tablet", `{"events":[{"eventType":"Walk","timestamp":4000}]}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown variant: status = %d", rec.Code)
	}
}

func TestPostEventsAcceptedWithoutRefresh(t *testing.T) {
	srv := newServer(t, time.Second)
	rec := srv.do(asOwner(http.MethodPost, "/events/some_user",
		`{"events":[{"eventType":"Walk","timestamp":4000},{"eventType":"Jump","timestamp":4500,"data":{"height":2}}]}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body acceptedResp
	decode(t, rec, &body)
	if body.Timestamp != 4500 || body.ServerTime != 10_000 || body.ID != "00001" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestPostRefreshConverges(t *testing.T) {
	srv := newServer(t, 2*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishOnRefresh(ctx, srv.store, "mobile")

	rec := srv.do(asOwner(http.MethodPost, "/events/some_user?type=mobile",
		`{"events":[{"eventType":"_RefreshModel","timestamp":4365}]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		ID        string         `json:"id"`
		ViewModel map[string]any `json:"viewModel"`
	}
	decode(t, rec, &body)
	if body.ID != "00001" {
		t.Fatalf("id = %q", body.ID)
	}
	if ts, _ := body.ViewModel["timestamp"].(float64); ts != 4365 {
		t.Fatalf("viewModel timestamp = %v", body.ViewModel["timestamp"])
	}
	if _, ok := body.ViewModel["_rev"]; ok {
		t.Fatalf("internal fields leaked: %v", body.ViewModel)
	}
}

func TestPostRefreshTimesOutThenLatestReportsIt(t *testing.T) {
	srv := newServer(t, 30*time.Millisecond)
	rec := srv.do(asOwner(http.MethodPost, "/events/some_user",
		`{"events":[{"eventType":"Walk","timestamp":6000},{"eventType":"_RefreshModel","timestamp":6666}]}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var accepted acceptedResp
	decode(t, rec, &accepted)
	if accepted.Timestamp != 6666 {
		t.Fatalf("timestamp = %d", accepted.Timestamp)
	}

	rec = srv.do(asOwner(http.MethodGet, "/events/00001", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var latest acceptedResp
	decode(t, rec, &latest)
	if latest.Timestamp != 6666 {
		t.Fatalf("latest = %d, want 6666", latest.Timestamp)
	}
}

func TestLatestFallsBackToViewModel(t *testing.T) {
	srv := newServer(t, time.Second)
	rec := srv.do(asOwner(http.MethodGet, "/events/some_user", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var latest acceptedResp
	decode(t, rec, &latest)
	if latest.Timestamp != 420 {
		t.Fatalf("latest = %d, want 420", latest.Timestamp)
	}
}

func TestPostRefreshWhileInFlight(t *testing.T) {
	srv := newServer(t, time.Second)
	release, ok := srv.guard.TryAcquire("00001", "mobile")
	if !ok {
		t.Fatalf("could not take guard")
	}
	defer release()

	rec := srv.do(asOwner(http.MethodPost, "/events/some_user?type=mobile",
		`{"events":[{"eventType":"_RefreshModel","timestamp":5000}]}`))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = srv.do(asOwner(http.MethodPost, "/events/some_user?type=mobile",
		`{"events":[{"eventType":"Walk","timestamp":5100}]}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("non-refresh batch while in flight: status = %d", rec.Code)
	}
}

func TestGetViewModel(t *testing.T) {
	srv := newServer(t, time.Second)
	rec := srv.do(asOwner(http.MethodGet, "/viewmodel/some_user?type=mobile", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		ViewModel map[string]any `json:"viewModel"`
	}
	decode(t, rec, &body)
	if body.ViewModel["updatesCount"] != float64(0) {
		t.Fatalf("viewModel = %v", body.ViewModel)
	}
	if _, ok := body.ViewModel["_rev"]; ok {
		t.Fatalf("internal fields leaked: %v", body.ViewModel)
	}
}
