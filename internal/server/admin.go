package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nimbusid/profileserver/identity"
)

const adminTimeFormat = time.RFC3339

func hexID(id identity.ID) string { return hex.EncodeToString(id[:]) }

// adminActionView is the JSON shape /debug/queue reports for one queued
// NeighborhoodAction: enough to diagnose a stuck neighborhood without
// exposing the store's internal key layout.
type adminActionView struct {
	ID           int64   `json:"id"`
	ServerID     string  `json:"server_id"`
	Type         string  `json:"type"`
	ExecuteAfter *string `json:"execute_after,omitempty"`
}

// AdminRouter builds the read-only admin HTTP surface: /healthz for basic
// liveness and /debug/queue to list pending NeighborhoodActions (the
// teacher has no equivalent internal surface; chi is a direct teacher
// dependency repurposed here for this supplemental introspection need).
func (s *Server) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/debug/queue", s.handleDebugQueue)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDebugQueue reports every action still waiting in the action queue,
// ordered the same way the scheduler scans them (spec.md §4.4), as a
// supplemental operator-facing introspection endpoint the wire protocol
// itself has no room for.
func (s *Server) handleDebugQueue(w http.ResponseWriter, r *http.Request) {
	actions, err := s.Store.ListActionsAscending()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]adminActionView, 0, len(actions))
	for _, a := range actions {
		view := adminActionView{
			ID:       a.ID,
			ServerID: hexID(a.ServerID),
			Type:     a.Type.String(),
		}
		if a.ExecuteAfter != nil {
			ts := a.ExecuteAfter.Format(adminTimeFormat)
			view.ExecuteAfter = &ts
		}
		views = append(views, view)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"actions": views, "count": len(views)})
}
