package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/store"
	"github.com/nimbusid/profileserver/pkg/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.New(store.NewMemoryBackend())
	return New(nil, st, nil, nil, nil, config.Config{}, nil, []byte("test-key"))
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.AdminRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleDebugQueueListsActions(t *testing.T) {
	s := newTestServer(t)

	id, err := s.Store.NextActionID()
	require.NoError(t, err)
	serverID := identity.ID{7}
	require.NoError(t, s.Store.PutAction(&identity.NeighborhoodAction{ID: id, ServerID: serverID, Type: identity.AddNeighbor}))

	req := httptest.NewRequest(http.MethodGet, "/debug/queue", nil)
	rec := httptest.NewRecorder()
	s.AdminRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count   int `json:"count"`
		Actions []struct {
			ID       int64  `json:"id"`
			ServerID string `json:"server_id"`
			Type     string `json:"type"`
		} `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, hexID(serverID), body.Actions[0].ServerID)
}
