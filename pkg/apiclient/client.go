// Package apiclient is a typed GET/POST/PATCH client against the business
// API (§4.B): AI config, availability, orders, reservations, customers,
// FAQ, messages, calls, and blocked-number lookup. Grounded on the
// teacher's pkg/client.HTTPClient (circuit breaker + metrics wrapping) and
// pkg/exotel.Client (typed request/response structs per endpoint), but
// unlike the teacher's retrying HTTPClient, every call here makes at most
// one attempt — §4.B is explicit that the API client does not retry.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/circuitbreaker"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/metrics"
)

const (
	defaultTimeout      = 10 * time.Second
	blockedCheckTimeout = 5 * time.Second
)

// TransientError wraps any failed call to the API: a timeout, a network
// failure, or a non-2xx status, 4xx included (§7 error kinds). Tool handlers surface it to the AI as a structured
// {success:false,error} body rather than killing the session.
type TransientError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("api %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Client is a single business-API client instance, one per process,
// carrying its own circuit breaker state per the teacher's HTTPClient.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// New creates a business-API client rooted at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{},
		circuitBreaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func (c *Client) do(ctx context.Context, method, operation, path string, query url.Values, body, out interface{}, timeout time.Duration) error {
	start := time.Now()

	cbErr := c.circuitBreaker.Execute(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal %s request: %w", operation, err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(reqCtx, method, u, reader)
		if err != nil {
			return fmt.Errorf("build %s request: %w", operation, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &TransientError{Operation: operation, Err: err}
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &TransientError{Operation: operation, StatusCode: resp.StatusCode}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode %s response: %w", operation, err)
			}
		}
		return nil
	})

	latency := time.Since(start)
	metrics.RecordServiceCall(operation, cbErr == nil, latency)

	state := "closed"
	switch c.circuitBreaker.GetState() {
	case circuitbreaker.StateOpen:
		state = "open"
	case circuitbreaker.StateHalfOpen:
		state = "half-open"
	}
	metrics.UpdateCircuitBreaker("api-client", state, 0)

	if cbErr != nil {
		logger.Log.Warn("api call failed", zap.String("operation", operation), zap.Error(cbErr))
	}
	return cbErr
}

// GetAIConfig fetches the per-call AI config snapshot.
func (c *Client) GetAIConfig(ctx context.Context, restaurantID, callerPhone string) (*AIConfig, error) {
	q := url.Values{"restaurantId": {restaurantID}, "callerPhone": {callerPhone}}
	var cfg AIConfig
	if err := c.do(ctx, http.MethodGet, "ai_config", "/api/ai", q, nil, &cfg, defaultTimeout); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CheckAvailability checks pickup/delivery/reservation availability.
func (c *Client) CheckAvailability(ctx context.Context, req AvailabilityCheckRequest) (*AvailabilityResult, error) {
	var out AvailabilityResult
	if err := c.do(ctx, http.MethodPost, "availability_check", "/api/availability/check", nil, req, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateOrder places an order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	var out CreateOrderResponse
	if err := c.do(ctx, http.MethodPost, "create_order", "/api/orders", nil, req, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateReservation books a reservation.
func (c *Client) CreateReservation(ctx context.Context, req CreateReservationRequest) (*CreateReservationResponse, error) {
	var out CreateReservationResponse
	if err := c.do(ctx, http.MethodPost, "create_reservation", "/api/reservations", nil, req, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertCustomer creates or updates a customer record keyed by phone.
func (c *Client) UpsertCustomer(ctx context.Context, req UpsertCustomerRequest) (*UpsertCustomerResponse, error) {
	var out UpsertCustomerResponse
	if err := c.do(ctx, http.MethodPost, "upsert_customer", "/api/customers", nil, req, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// LogFAQ records a new FAQ question. Best-effort: callers report success
// to the AI even when this fails (§4.D).
func (c *Client) LogFAQ(ctx context.Context, entry FAQEntry) error {
	return c.do(ctx, http.MethodPost, "log_faq", "/api/faq", nil, entry, nil, defaultTimeout)
}

// LeaveMessage records a caller message.
func (c *Client) LeaveMessage(ctx context.Context, req LeaveMessageRequest) (*LeaveMessageResponse, error) {
	var out LeaveMessageResponse
	if err := c.do(ctx, http.MethodPost, "leave_message", "/api/messages", nil, req, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrderStatus looks up an order by number for a caller.
func (c *Client) GetOrderStatus(ctx context.Context, restaurantID, orderNumber, customerPhone string) (*OrderStatus, error) {
	q := url.Values{"restaurantId": {restaurantID}, "orderNumber": {orderNumber}}
	if customerPhone != "" {
		q.Set("customerPhone", customerPhone)
	}
	var out OrderStatus
	if err := c.do(ctx, http.MethodGet, "order_status", "/api/orders/status", q, nil, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchOrder updates order status (used by cancel_order).
func (c *Client) PatchOrder(ctx context.Context, req PatchOrderRequest) error {
	return c.do(ctx, http.MethodPatch, "patch_order", "/api/orders", nil, req, nil, defaultTimeout)
}

// LookupReservation finds a reservation for a caller.
func (c *Client) LookupReservation(ctx context.Context, restaurantID, customerPhone string) (*ReservationLookup, error) {
	q := url.Values{"restaurantId": {restaurantID}, "customerPhone": {customerPhone}}
	var out ReservationLookup
	if err := c.do(ctx, http.MethodGet, "reservation_lookup", "/api/reservations/lookup", q, nil, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchReservation updates reservation status (used by cancel_reservation).
func (c *Client) PatchReservation(ctx context.Context, req PatchReservationRequest) error {
	return c.do(ctx, http.MethodPatch, "patch_reservation", "/api/reservations", nil, req, nil, defaultTimeout)
}

// CreateCall creates the call record at call start.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (*CreateCallResponse, error) {
	var out CreateCallResponse
	if err := c.do(ctx, http.MethodPost, "create_call", "/api/calls", nil, req, &out, defaultTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchCall finalizes the call record at call end.
func (c *Client) PatchCall(ctx context.Context, callID string, req PatchCallRequest) error {
	return c.do(ctx, http.MethodPatch, "patch_call", "/api/calls/"+callID, nil, req, nil, defaultTimeout)
}

// CheckBlocked checks the blocked-number list. Failures here are fail-open
// (§7): the failure is logged and the number is reported as not blocked.
func (c *Client) CheckBlocked(ctx context.Context, restaurantID, phone string) bool {
	q := url.Values{"restaurantId": {restaurantID}, "phone": {phone}}
	var out BlockedCheckResponse
	if err := c.do(ctx, http.MethodGet, "blocked_check", "/api/blocked-phones/check", q, nil, &out, blockedCheckTimeout); err != nil {
		logger.Log.Warn("blocked-number check failed, failing open", zap.Error(err))
		return false
	}
	return out.Blocked
}
