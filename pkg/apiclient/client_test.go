package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAIConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ai", r.URL.Path)
		assert.Equal(t, "rest-1", r.URL.Query().Get("restaurantId"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AIConfig{SystemPrompt: "hi", Voice: "alloy"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	cfg, err := c.GetAIConfig(context.Background(), "rest-1", "+33611111111")
	require.NoError(t, err)
	assert.Equal(t, "alloy", cfg.Voice)
}

func TestCheckBlockedFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	blocked := c.CheckBlocked(context.Background(), "rest-1", "+33611111111")
	assert.False(t, blocked, "blocked-check failure must fail open")
}

func TestNon2xxIsTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.CreateOrder(context.Background(), CreateOrderRequest{})
	require.Error(t, err)
	var te *TransientError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
}

func TestCreateCallRoundtrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CreateCallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "+33611111111", req.CallerNumber)
		_ = json.NewEncoder(w).Encode(CreateCallResponse{ID: "call-123"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.CreateCall(context.Background(), CreateCallRequest{
		RestaurantID: "rest-1",
		CallerNumber: "+33611111111",
	})
	require.NoError(t, err)
	assert.Equal(t, "call-123", resp.ID)
}
