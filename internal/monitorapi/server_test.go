package monitorapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popkit/power-mode/internal/config"
	"github.com/popkit/power-mode/internal/coordinator"
	"github.com/popkit/power-mode/internal/guardrail"
	"github.com/popkit/power-mode/internal/objective"
	"github.com/popkit/power-mode/internal/store"
)

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	dir := t.TempDir()
	backend, err := store.NewFileStore(store.FileStoreOptions{
		StatePath:    filepath.Join(dir, "state.json"),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	obj, err := objective.Create("sess-mon", "observe", []string{"done"}, []string{"only"},
		objective.Boundaries{AllowedGlobs: []string{"**"}})
	require.NoError(t, err)

	guard, err := guardrail.New(guardrail.Config{})
	require.NoError(t, err)

	return coordinator.New(coordinator.Options{
		SessionID: "sess-mon",
		Backend:   backend,
		Objective: obj,
		Config:    config.Default(),
		Guardrail: guard,
	})
}

func TestHealthzOKWhenStoreReachable(t *testing.T) {
	srv := New(Options{Coordinator: newTestCoordinator(t)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestObjectiveAndAgentsAndMetricsEndpoints(t *testing.T) {
	srv := New(Options{Coordinator: newTestCoordinator(t)})

	for _, path := range []string{"/objective", "/agents", "/barriers", "/metrics"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		srv.srv.Handler.ServeHTTP(rec, req)
		assert.Equalf(t, http.StatusOK, rec.Code, "GET %s", path)
	}
}

func TestAgentEndpointReturns404ForUnknownAgent(t *testing.T) {
	srv := New(Options{Coordinator: newTestCoordinator(t)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agents/does-not-exist", nil)
	srv.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJWTDisabledInjectsDevPrincipal(t *testing.T) {
	srv := New(Options{Coordinator: newTestCoordinator(t), EnableJWT: false})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTEnabledRejectsMissingAndInvalidTokens(t *testing.T) {
	srv := New(Options{Coordinator: newTestCoordinator(t), EnableJWT: true, JWTSecret: "top-secret"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req2.Header.Set("Authorization", "Bearer not-a-real-token")
	srv.srv.Handler.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestJWTEnabledAcceptsValidToken(t *testing.T) {
	srv := New(Options{Coordinator: newTestCoordinator(t), EnableJWT: true, JWTSecret: "top-secret"})

	claims := jwt.MapClaims{"sub": "operator-1", "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("top-secret"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", signed))
	srv.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
