package apiclient

import "time"

// AIConfig is the read-only per-call snapshot fetched once at session start.
type AIConfig struct {
	SystemPrompt     string                   `json:"systemPrompt"`
	Tools            []map[string]interface{} `json:"tools"`
	Voice            string                   `json:"voice"`
	CustomerContext  *CustomerContext         `json:"customerContext,omitempty"`
	AvgPrepTimeMin   int                      `json:"avgPrepTimeMin"`
	DeliveryEnabled  bool                     `json:"deliveryEnabled"`
	ItemMap          map[string]MenuItem      `json:"itemMap"`
}

// CustomerContext identifies a returning customer, if known.
type CustomerContext struct {
	CustomerID string `json:"customerId"`
	FirstName  string `json:"firstName,omitempty"`
}

// MenuItem re-hydrates the AI's compact integer item id to a uuid/name pair.
type MenuItem struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// AvailabilityMode is the check_availability / confirm_order mode.
type AvailabilityMode string

const (
	ModePickup      AvailabilityMode = "pickup"
	ModeDelivery     AvailabilityMode = "delivery"
	ModeReservation AvailabilityMode = "reservation"
)

// AvailabilityCheckRequest is POSTed to /api/availability/check.
type AvailabilityCheckRequest struct {
	RestaurantID        string           `json:"restaurantId"`
	Mode                AvailabilityMode `json:"mode"`
	RequestedTime       string           `json:"requestedTime,omitempty"`
	CustomerAddress     string           `json:"customerAddress,omitempty"`
	CustomerCity        string           `json:"customerCity,omitempty"`
	CustomerPostalCode  string           `json:"customerPostalCode,omitempty"`
	PartySize           int              `json:"partySize,omitempty"`
	SeatingPreference   string           `json:"seatingPreference,omitempty"`
}

// AvailabilityResult is the response of the availability check.
type AvailabilityResult struct {
	Mode                      AvailabilityMode `json:"mode"`
	EstimatedTimeISO          string           `json:"estimatedTimeISO"`
	EstimatedTime             string           `json:"estimatedTime"`
	CustomerAddressFormatted  string           `json:"customerAddressFormatted,omitempty"`
	CustomerLat               float64          `json:"customerLat,omitempty"`
	CustomerLng               float64          `json:"customerLng,omitempty"`
	DeliveryDistanceKm        float64          `json:"deliveryDistanceKm,omitempty"`
}

// OrderLineItem is one resolved line of a confirm_order call.
type OrderLineItem struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Quantity        int                    `json:"quantity"`
	UnitPrice       float64                `json:"unitPrice"`
	TotalPrice      float64                `json:"totalPrice"`
	SelectedOptions []OrderSelectedOption  `json:"selectedOptions,omitempty"`
}

// OrderSelectedOption is a resolved modifier choice on an order line.
type OrderSelectedOption struct {
	ChoiceID string `json:"choiceId"`
	Name     string `json:"name,omitempty"`
}

// CreateOrderRequest is POSTed to /api/orders.
type CreateOrderRequest struct {
	RestaurantID          string           `json:"restaurantId"`
	CallID                string           `json:"callId"`
	Items                 []OrderLineItem  `json:"items"`
	Total                 float64          `json:"total"`
	OrderType             AvailabilityMode `json:"orderType"`
	DeliveryFee           float64          `json:"deliveryFee,omitempty"`
	Notes                 string           `json:"notes,omitempty"`
	PaymentMethod         string           `json:"paymentMethod,omitempty"`
	EstimatedReadyAt      string           `json:"estimatedReadyAt,omitempty"`
	DeliveryAddress       string           `json:"deliveryAddress,omitempty"`
	DeliveryDistanceKm    float64          `json:"deliveryDistanceKm,omitempty"`
	CustomerPhone         string           `json:"customerPhone,omitempty"`
}

// CreateOrderResponse is the API's {id} acknowledgement.
type CreateOrderResponse struct {
	ID string `json:"id"`
}

// OrderStatus is the status enum surfaced by /api/orders/status and used to
// gate cancel_order (§9 open question: id may be absent).
type OrderStatus struct {
	ID            string `json:"id,omitempty"`
	OrderNumber   string `json:"orderNumber"`
	Status        string `json:"status"`
	CustomerPhone string `json:"customerPhone,omitempty"`
}

// CreateReservationRequest is POSTed to /api/reservations.
type CreateReservationRequest struct {
	RestaurantID       string `json:"restaurantId"`
	CallID             string `json:"callId"`
	CustomerName       string `json:"customerName"`
	CustomerPhone      string `json:"customerPhone,omitempty"`
	PartySize          int    `json:"partySize"`
	ReservationTimeUTC string `json:"reservationTime"`
	SeatingPreference  string `json:"seatingPreference,omitempty"`
	Notes              string `json:"notes,omitempty"`
}

// CreateReservationResponse is the API's {id} acknowledgement.
type CreateReservationResponse struct {
	ID string `json:"id"`
}

// ReservationLookup is returned by GET /api/reservations/lookup.
type ReservationLookup struct {
	ID            string `json:"id"`
	CustomerName  string `json:"customerName"`
	PartySize     int    `json:"partySize"`
	ReservedAt    string `json:"reservedAt"`
	Status        string `json:"status"`
}

// UpsertCustomerRequest is POSTed to /api/customers, keyed by phone.
type UpsertCustomerRequest struct {
	RestaurantID         string `json:"restaurantId"`
	Phone                string `json:"phone"`
	FirstName            string `json:"firstName,omitempty"`
	DeliveryAddress      string `json:"deliveryAddress,omitempty"`
	DeliveryCity         string `json:"deliveryCity,omitempty"`
	DeliveryPostalCode   string `json:"deliveryPostalCode,omitempty"`
	DeliveryNotes        string `json:"deliveryNotes,omitempty"`
}

// UpsertCustomerResponse carries the stable customer id.
type UpsertCustomerResponse struct {
	ID string `json:"id"`
}

// FAQEntry is POSTed to /api/faq (best-effort).
type FAQEntry struct {
	RestaurantID string `json:"restaurantId"`
	Question     string `json:"question"`
	Category     string `json:"category,omitempty"`
}

// LeaveMessageRequest is POSTed to /api/messages.
type LeaveMessageRequest struct {
	RestaurantID string `json:"restaurantId"`
	CallID       string `json:"callId"`
	CallerName   string `json:"callerName,omitempty"`
	Content      string `json:"content"`
	Category     string `json:"category,omitempty"`
	IsUrgent     bool   `json:"isUrgent,omitempty"`
}

// LeaveMessageResponse carries the created message id.
type LeaveMessageResponse struct {
	ID string `json:"id"`
}

// CreateCallRequest is POSTed to /api/calls at call start.
type CreateCallRequest struct {
	RestaurantID string    `json:"restaurantId"`
	CallerNumber string    `json:"callerNumber"`
	CustomerID   string    `json:"customerId,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

// CreateCallResponse carries the call id retained in CallContext.
type CreateCallResponse struct {
	ID string `json:"id"`
}

// TranscriptTurn is one exchange in the call transcript.
type TranscriptTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PatchCallRequest is PATCHed to /api/calls at call end.
type PatchCallRequest struct {
	EndedAt     time.Time         `json:"endedAt"`
	DurationSec int               `json:"durationSec"`
	Outcome     string            `json:"outcome"`
	Transcript  []TranscriptTurn  `json:"transcript"`
}

// PatchOrderRequest is PATCHed to /api/orders for cancellation.
type PatchOrderRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PatchReservationRequest is PATCHed to /api/reservations for cancellation.
type PatchReservationRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BlockedCheckResponse answers GET /api/blocked-phones/check.
type BlockedCheckResponse struct {
	Blocked bool `json:"blocked"`
}
