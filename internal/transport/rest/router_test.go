package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examsync/internal/model"
	"examsync/internal/realtime"
	"examsync/internal/service"
	"examsync/internal/store"
	"examsync/internal/transport/memchan"
	"examsync/internal/transport/ws"
)

func newTestRouter(t *testing.T) (http.Handler, *realtime.Engine) {
	t.Helper()
	engine := realtime.New(realtime.DefaultConfig(), memchan.NewHub(), store.NewInMemoryStore())
	t.Cleanup(engine.Close)

	router := NewRouter(&Container{
		AuthService: service.NewAuthService(),
		Engine:      engine,
		WSHub:       ws.NewHub(engine),
	})
	return router, engine
}

func login(t *testing.T, router http.Handler) string {
	t.Helper()
	body, _ := json.Marshal(model.LoginRequest{Username: "admin", Password: "password123"})
	req := httptest.NewRequest("POST", "/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Token
}

func TestLoginEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	token := login(t, router)
	assert.NotEmpty(t, token)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(model.LoginRequest{Username: "admin", Password: "nope"})
	req := httptest.NewRequest("POST", "/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMonitorRoutesRequireAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/v1/metrics", "/v1/sessions/s1/presence", "/v1/collisions"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	token := login(t, router)

	req := httptest.NewRequest("GET", "/v1/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var m realtime.EngineMetrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.Equal(t, 0, m.ActiveSessions)
	assert.Equal(t, 1.0, m.SyncSuccessRate)
}

func TestCollisionsEndpointEmpty(t *testing.T) {
	router, _ := newTestRouter(t)
	token := login(t, router)

	req := httptest.NewRequest("GET", "/v1/collisions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Collisions []model.CollisionRecord `json:"collisions"`
		Count      int                     `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Collisions)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var report realtime.HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, realtime.HealthHealthy, report.Status)
}

func TestHealthEndpointUnhealthyWhenOffline(t *testing.T) {
	router, engine := newTestRouter(t)
	engine.SetOnline(false)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPrometheusScrapeEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "examsync_active_sessions")
}
