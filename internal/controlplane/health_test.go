package controlplane

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troikatech/voicebridge/pkg/env"
)

// newTestHandlerWithRedis builds a Handler pointed at a closed local port,
// so Ping fails fast with connection-refused instead of waiting out the
// health check's own timeout.
func newTestHandlerWithRedis() *Handler {
	h := newTestHandler()
	h.cfg = &env.Config{PublicWSTarget: "wss://media.example.com/ws"}
	h.redisClient = redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	return h
}

func TestHealthCheckDegradedWithoutSIP(t *testing.T) {
	h := newTestHandlerWithRedis()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

	h.HealthCheck(c)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"status":"degraded"`)
	assert.Contains(t, body, `"ws_target":"wss://media.example.com/ws"`)
	assert.Contains(t, body, `"sip_registered":false`)
	assert.Contains(t, body, `"codec":""`)
}

func TestHealthCheckReportsSIPFieldsWhenWired(t *testing.T) {
	h := newTestHandlerWithRedis()
	h.sip = &fakeSIPController{registered: true, account: "bridge@sip.example.com", active: 2, max: 60}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

	h.HealthCheck(c)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"sip_registered":true`)
	assert.Contains(t, body, `"sip_account":"bridge@sip.example.com"`)
	assert.Contains(t, body, `"active_calls":2`)
	assert.Contains(t, body, `"max_concurrent_calls":60`)
	assert.Contains(t, body, `"codec":"PCMU/PCMA"`)
}
