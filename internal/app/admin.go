package app

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/smartgenie/internal/conversation"
	"github.com/MrWong99/smartgenie/internal/health"
	"github.com/MrWong99/smartgenie/internal/observe"
)

// statusView is the JSON shape of the session snapshot served on /readyz
// and /api/status.
type statusView struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	Collection string `json:"collection"`
	Connected  bool   `json:"connected"`
	LastError  string `json:"last_error,omitempty"`
	Entries    int    `json:"entries"`
}

type entryView struct {
	Seq         uint64    `json:"seq"`
	SessionID   string    `json:"session_id"`
	Collection  string    `json:"collection,omitempty"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	HasAudio    bool      `json:"has_audio"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (a *App) status() any {
	st := a.session.Status()
	v := statusView{
		SessionID:  a.sessionID,
		State:      st.State.String(),
		Collection: st.Collection,
		Connected:  st.Connected,
		Entries:    a.log.Len(),
	}
	if st.LastError != nil {
		v.LastError = st.LastError.Error()
	}
	return v
}

// Router returns the admin HTTP handler: health probes, Prometheus metrics
// and a read-only view of the conversation.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics))

	health.New(a.checkers, health.WithStatus(a.status)).Mount(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, a.status())
		})
		api.Get("/conversation", a.handleConversation)
	})
	return r
}

func (a *App) handleConversation(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var (
		entries []conversation.Entry
		err     error
	)
	if r.URL.Query().Get("scope") == "all" {
		entries, err = a.History(r.Context(), limit)
	} else {
		entries, err = a.log.Recent(r.Context(), a.sessionID, limit)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{
			Seq:         e.Seq,
			SessionID:   e.SessionID,
			Collection:  e.Collection,
			Role:        e.Role.String(),
			Text:        e.Text,
			HasAudio:    e.HasAudio,
			UtteranceID: e.UtteranceID,
			Timestamp:   e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// initAdmin binds the admin listener so address errors surface from New.
func (a *App) initAdmin() error {
	addr := a.cfg.Admin.ListenAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.adminLn = ln
	a.admin = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// AdminAddr returns the bound admin address, or "" when the endpoint is
// disabled.
func (a *App) AdminAddr() string {
	if a.adminLn == nil {
		return ""
	}
	return a.adminLn.Addr().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
