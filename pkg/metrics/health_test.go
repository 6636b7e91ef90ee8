package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestRegisterComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("etcd", true, "running")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["etcd"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "running", comp.Message)

	UpdateComponent("etcd", false, "restoring")
	assert.False(t, healthChecker.components["etcd"].Healthy)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{
			name:       "all healthy",
			components: map[string]bool{"etcd": true, "apiserver": true, "controller/rabbitmq": true},
			want:       "healthy",
		},
		{
			name:       "crashed controller degrades",
			components: map[string]bool{"etcd": true, "apiserver": true, "controller/rabbitmq": false},
			want:       "degraded",
		},
		{
			name:       "core component unhealthy",
			components: map[string]bool{"etcd": true, "apiserver": false, "controller/rabbitmq": false},
			want:       "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "x")
			}
			assert.Equal(t, tt.want, GetHealth().Status)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth()
	RegisterComponent("etcd", true, "")
	RegisterComponent("apiserver", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["network"])

	RegisterComponent("network", true, "")
	assert.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent("apiserver", false, "busy")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "waiting for apiserver", readiness.Message)
}

func TestHealthHandlers(t *testing.T) {
	resetHealth()
	SetVersion("test")
	RegisterComponent("etcd", true, "")
	RegisterComponent("apiserver", true, "")
	RegisterComponent("network", true, "")

	mux := NewServeMux()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	UpdateComponent("etcd", false, "snapshot restore failed")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
