package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"example.com/charsync/internal/access"
	"example.com/charsync/internal/config"
	"example.com/charsync/internal/domain"
	"example.com/charsync/internal/ingest"
)

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ServerDeps struct {
	Cfg     config.Config
	Gateway *ingest.Gateway
	Gate    *access.Gate
	Store   Pinger
	Now     func() time.Time
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (d *ServerDeps) serverTime() int64 { return d.Now().UnixMilli() }

func (d *ServerDeps) variant(r *http.Request) string {
	if v := r.URL.Query().Get("type"); v != "" {
		return v
	}
	return d.Cfg.DefaultVariant
}

// target resolves the {characterId} path value and checks the authenticated
// caller may act on it.
func (d *ServerDeps) target(r *http.Request) (domain.Account, error) {
	requester, ok := requesterFromContext(r.Context())
	if !ok {
		return domain.Account{}, domain.ErrUnauthorized
	}
	return d.Gate.Check(r.Context(), requester, r.PathValue("characterId"))
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Ping(r.Context()); err != nil {
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "storage not reachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (d *ServerDeps) HandleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"serverTime": d.serverTime()})
}

// --- Events ---

type submitReq struct {
	Events json.RawMessage `json:"events"`
}

type convergedResp struct {
	ID         string          `json:"id"`
	ServerTime int64           `json:"serverTime"`
	ViewModel  json.RawMessage `json:"viewModel"`
}

type acceptedResp struct {
	ID         string `json:"id"`
	ServerTime int64  `json:"serverTime"`
	Timestamp  int64  `json:"timestamp"`
}

func (d *ServerDeps) HandlePostEvents(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	acc, err := d.target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, http.StatusRequestEntityTooLarge, "payload too large", err.Error(), nil)
			return
		}
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	batch, err := domain.ParseBatch(req.Events)
	if err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := d.Gateway.Submit(r.Context(), acc.ID, d.variant(r), batch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !receipt.Converged() {
		writeJSON(w, http.StatusAccepted, acceptedResp{ID: acc.ID, ServerTime: d.serverTime(), Timestamp: receipt.Timestamp})
		return
	}
	body, err := receipt.ViewModel.PublicBody()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convergedResp{ID: acc.ID, ServerTime: d.serverTime(), ViewModel: body})
}

func (d *ServerDeps) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	acc, err := d.target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ts, err := d.Gateway.Latest(r.Context(), acc.ID, d.variant(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptedResp{ID: acc.ID, ServerTime: d.serverTime(), Timestamp: ts})
}

// --- View model ---

func (d *ServerDeps) HandleGetViewModel(w http.ResponseWriter, r *http.Request) {
	acc, err := d.target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vm, err := d.Gateway.ViewModel(r.Context(), acc.ID, d.variant(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := vm.PublicBody()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convergedResp{ID: acc.ID, ServerTime: d.serverTime(), ViewModel: body})
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	auth := BasicAuth(d.Gate)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.HandleHealthz)
	mux.HandleFunc("GET /readyz", d.HandleReadyz)
	mux.HandleFunc("GET /time", d.HandleTime)

	var postEvents http.Handler = http.HandlerFunc(d.HandlePostEvents)
	postEvents = BodyLimit(d.Cfg.MaxBodyBytes)(postEvents)
	postEvents = RequireJSON(postEvents)
	postEvents = auth(postEvents)
	mux.Handle("POST /events/{characterId}", postEvents)

	mux.Handle("GET /events/{characterId}", auth(http.HandlerFunc(d.HandleGetEvents)))
	mux.Handle("GET /viewmodel/{characterId}", auth(http.HandlerFunc(d.HandleGetViewModel)))

	return WithRequestID(Logging(nil)(mux))
}
