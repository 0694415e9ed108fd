// Package dispatch routes AI function calls to handlers that call the
// business API, mutate the call context, and report results back to the
// AI session (§4.D). No handler may let an error escape the dispatcher:
// every outcome — success, API failure, or unknown tool — becomes a JSON
// body sent back over the AI session.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/aisession"
	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/callctx"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/metrics"
)

// parisLocation is used to interpret reservation_time "HH:MM" values
// (§4.D confirm_reservation).
var parisLocation = mustLoadParis()

func mustLoadParis() *time.Location {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return time.UTC
	}
	return loc
}

// Dispatcher routes tool calls for one call.
type Dispatcher struct {
	API     *apiclient.Client
	Call    *callctx.Context
	Session *aisession.Session
}

// New creates a dispatcher bound to one call's API client, call context,
// and AI session.
func New(api *apiclient.Client, call *callctx.Context, session *aisession.Session) *Dispatcher {
	return &Dispatcher{API: api, Call: call, Session: session}
}

// Handle parses arguments, routes to the matching tool handler, and always
// reports a result back over the AI session via
// conversation.item.create{function_call_output} followed by
// response.create (§4.D, §5 ordering guarantee).
func (d *Dispatcher) Handle(ctx context.Context, callID, name, argumentsJSON string) {
	start := time.Now()
	result := d.route(ctx, name, argumentsJSON)
	metrics.RecordToolDispatch(name, !isErrorResult(result), time.Since(start))

	if err := d.Session.SendFunctionCallOutput(callID, result); err != nil {
		logger.Log.Error("failed to send tool result", zap.String("tool", name), zap.Error(err))
	}
}

func isErrorResult(result interface{}) bool {
	m, ok := result.(map[string]interface{})
	if !ok {
		return false
	}
	if _, has := m["error"]; has {
		return true
	}
	if success, has := m["success"]; has {
		if b, ok := success.(bool); ok {
			return !b
		}
	}
	return false
}

func (d *Dispatcher) route(ctx context.Context, name, argumentsJSON string) interface{} {
	var args map[string]interface{}
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return errorResult(fmt.Errorf("invalid tool arguments: %w", err))
		}
	}

	switch name {
	case "check_availability":
		return d.checkAvailability(ctx, args)
	case "confirm_order":
		return d.confirmOrder(ctx, args)
	case "confirm_reservation":
		return d.confirmReservation(ctx, args)
	case "save_customer_info":
		return d.saveCustomerInfo(ctx, args)
	case "log_new_faq":
		return d.logNewFAQ(ctx, args)
	case "leave_message":
		return d.leaveMessage(ctx, args)
	case "check_order_status":
		return d.checkOrderStatus(ctx, args)
	case "cancel_order":
		return d.cancelOrder(ctx, args)
	case "lookup_reservation":
		return d.lookupReservation(ctx, args)
	case "cancel_reservation":
		return d.cancelReservation(ctx, args)
	case "end_call":
		return d.endCall(args)
	default:
		return map[string]interface{}{"error": fmt.Sprintf("unknown tool: %s", name)}
	}
}

func errorResult(err error) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": err.Error()}
}

func str(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func number(args map[string]interface{}, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func boolean(args map[string]interface{}, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

func (d *Dispatcher) checkAvailability(ctx context.Context, args map[string]interface{}) interface{} {
	req := apiclient.AvailabilityCheckRequest{
		RestaurantID:       d.Call.RestaurantID,
		Mode:               apiclient.AvailabilityMode(str(args, "mode")),
		RequestedTime:      str(args, "requested_time"),
		CustomerAddress:    str(args, "customer_address"),
		CustomerCity:       str(args, "customer_city"),
		CustomerPostalCode: str(args, "customer_postal_code"),
		PartySize:          int(number(args, "party_size")),
		SeatingPreference:  str(args, "seating_preference"),
	}

	result, err := d.API.CheckAvailability(ctx, req)
	if err != nil {
		return errorResult(err)
	}
	d.Call.LastAvailabilityCheck = result
	return result
}

func (d *Dispatcher) confirmOrder(ctx context.Context, args map[string]interface{}) interface{} {
	itemsRaw, _ := args["items"].([]interface{})
	orderType := apiclient.AvailabilityMode(str(args, "order_type"))

	lines := make([]apiclient.OrderLineItem, 0, len(itemsRaw))
	for _, raw := range itemsRaw {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		compactID := fmt.Sprintf("%v", m["id"])
		menuItem, known := d.Call.ItemMap[compactID]
		if !known {
			return errorResult(fmt.Errorf("unknown item id %q", compactID))
		}

		qty := int(number(m, "quantity"))
		unitPrice := number(m, "unit_price")

		var options []apiclient.OrderSelectedOption
		if raw, ok := m["selected_options"].([]interface{}); ok {
			for _, optRaw := range raw {
				opt, ok := optRaw.(map[string]interface{})
				if !ok {
					continue
				}
				choiceID := fmt.Sprintf("%v", opt["choice_id"])
				option := apiclient.OrderSelectedOption{ChoiceID: choiceID}
				if choice, known := d.Call.ItemMap[choiceID]; known {
					option.ChoiceID = choice.UUID
					option.Name = choice.Name
				}
				options = append(options, option)
			}
		}

		lines = append(lines, apiclient.OrderLineItem{
			ID:              menuItem.UUID,
			Name:            menuItem.Name,
			Quantity:        qty,
			UnitPrice:       unitPrice,
			TotalPrice:      unitPrice * float64(qty),
			SelectedOptions: options,
		})
	}

	req := apiclient.CreateOrderRequest{
		RestaurantID:  d.Call.RestaurantID,
		CallID:        d.Call.CallID,
		Items:         lines,
		Total:         number(args, "total"),
		OrderType:     orderType,
		DeliveryFee:   number(args, "delivery_fee"),
		Notes:         str(args, "notes"),
		PaymentMethod: str(args, "payment_method"),
		CustomerPhone: d.Call.CallerNumber,
	}

	if avail := d.Call.LastAvailabilityCheck; avail != nil {
		req.EstimatedReadyAt = avail.EstimatedTimeISO
		if orderType == apiclient.ModeDelivery {
			req.DeliveryAddress = avail.CustomerAddressFormatted
			req.DeliveryDistanceKm = avail.DeliveryDistanceKm
		}
	}

	resp, err := d.API.CreateOrder(ctx, req)
	if err != nil {
		return errorResult(err)
	}
	d.Call.SetFlag(func(f *callctx.Flags) { f.OrderPlaced = true })
	return map[string]interface{}{"success": true, "id": resp.ID}
}

func (d *Dispatcher) confirmReservation(ctx context.Context, args map[string]interface{}) interface{} {
	reservationUTC, err := d.resolveReservationTimeUTC(str(args, "reservation_time"))
	if err != nil {
		return errorResult(err)
	}

	req := apiclient.CreateReservationRequest{
		RestaurantID:       d.Call.RestaurantID,
		CallID:             d.Call.CallID,
		CustomerName:       str(args, "customer_name"),
		CustomerPhone:      str(args, "customer_phone"),
		PartySize:          int(number(args, "party_size")),
		ReservationTimeUTC: reservationUTC,
		SeatingPreference:  str(args, "seating_preference"),
		Notes:              str(args, "notes"),
	}
	if req.CustomerPhone == "" {
		req.CustomerPhone = d.Call.CallerNumber
	}

	resp, err := d.API.CreateReservation(ctx, req)
	if err != nil {
		return errorResult(err)
	}
	d.Call.SetFlag(func(f *callctx.Flags) { f.ReservationPlaced = true })
	return map[string]interface{}{"success": true, "id": resp.ID}
}

// resolveReservationTimeUTC prefers the last availability check's
// estimatedTimeISO; otherwise it parses an "HH:MM" time in Europe/Paris,
// rolling to the next day if that time has already passed today, and
// converts the result to UTC (§4.D confirm_reservation, S3).
func (d *Dispatcher) resolveReservationTimeUTC(requestedTime string) (string, error) {
	if avail := d.Call.LastAvailabilityCheck; avail != nil && avail.EstimatedTimeISO != "" {
		return avail.EstimatedTimeISO, nil
	}
	if requestedTime == "" {
		return "", fmt.Errorf("no reservation time available")
	}

	now := time.Now().In(parisLocation)
	parsed, err := time.ParseInLocation("15:04", requestedTime, parisLocation)
	if err != nil {
		return "", fmt.Errorf("invalid reservation_time %q: %w", requestedTime, err)
	}

	candidate := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, parisLocation)
	if candidate.Before(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC().Format(time.RFC3339), nil
}

func (d *Dispatcher) saveCustomerInfo(ctx context.Context, args map[string]interface{}) interface{} {
	req := apiclient.UpsertCustomerRequest{
		RestaurantID:       d.Call.RestaurantID,
		Phone:              d.Call.CallerNumber,
		FirstName:          str(args, "first_name"),
		DeliveryAddress:    str(args, "delivery_address"),
		DeliveryCity:       str(args, "delivery_city"),
		DeliveryPostalCode: str(args, "delivery_postal_code"),
		DeliveryNotes:      str(args, "delivery_notes"),
	}
	resp, err := d.API.UpsertCustomer(ctx, req)
	if err != nil {
		return errorResult(err)
	}
	d.Call.CustomerID = resp.ID
	return map[string]interface{}{"success": true}
}

func (d *Dispatcher) logNewFAQ(ctx context.Context, args map[string]interface{}) interface{} {
	err := d.API.LogFAQ(ctx, apiclient.FAQEntry{
		RestaurantID: d.Call.RestaurantID,
		Question:     str(args, "question"),
		Category:     str(args, "category"),
	})
	if err != nil {
		logger.Log.Warn("log_new_faq failed, reporting success anyway (best-effort)", zap.Error(err))
	}
	// Best-effort per §4.D: report success even on failure.
	return map[string]interface{}{"success": true}
}

func (d *Dispatcher) leaveMessage(ctx context.Context, args map[string]interface{}) interface{} {
	resp, err := d.API.LeaveMessage(ctx, apiclient.LeaveMessageRequest{
		RestaurantID: d.Call.RestaurantID,
		CallID:       d.Call.CallID,
		CallerName:   str(args, "caller_name"),
		Content:      str(args, "content"),
		Category:     str(args, "category"),
		IsUrgent:     boolean(args, "is_urgent"),
	})
	if err != nil {
		return errorResult(err)
	}
	d.Call.SetFlag(func(f *callctx.Flags) { f.MessageLeft = true })
	return map[string]interface{}{"success": true, "id": resp.ID}
}

func (d *Dispatcher) checkOrderStatus(ctx context.Context, args map[string]interface{}) interface{} {
	phone := str(args, "customer_phone")
	if phone == "" {
		phone = d.Call.CallerNumber
	}
	status, err := d.API.GetOrderStatus(ctx, d.Call.RestaurantID, "", phone)
	if err != nil {
		return errorResult(err)
	}
	return status
}

// cancelOrder rejects cancellation unless the order's status is pending or
// confirmed. §9 flags that /api/orders/status may not return an id, in
// which case the PATCH would silently fail; this implementation surfaces
// an explicit error instead of calling PATCH with an empty id.
func (d *Dispatcher) cancelOrder(ctx context.Context, args map[string]interface{}) interface{} {
	orderNumber := str(args, "order_number")
	target, err := d.API.GetOrderStatus(ctx, d.Call.RestaurantID, orderNumber, d.Call.CallerNumber)
	if err != nil {
		return errorResult(err)
	}
	if target.Status != "pending" && target.Status != "confirmed" {
		return errorResult(fmt.Errorf("order %s cannot be cancelled from status %q", orderNumber, target.Status))
	}
	if target.ID == "" {
		return errorResult(fmt.Errorf("order %s has no id to cancel", orderNumber))
	}

	if err := d.API.PatchOrder(ctx, apiclient.PatchOrderRequest{ID: target.ID, Status: "cancelled"}); err != nil {
		return errorResult(err)
	}
	return map[string]interface{}{"success": true}
}

func (d *Dispatcher) lookupReservation(ctx context.Context, args map[string]interface{}) interface{} {
	phone := str(args, "customer_phone")
	if phone == "" {
		phone = d.Call.CallerNumber
	}
	res, err := d.API.LookupReservation(ctx, d.Call.RestaurantID, phone)
	if err != nil {
		return errorResult(err)
	}
	return res
}

func (d *Dispatcher) cancelReservation(ctx context.Context, args map[string]interface{}) interface{} {
	id := str(args, "reservation_id")
	if err := d.API.PatchReservation(ctx, apiclient.PatchReservationRequest{ID: id, Status: "cancelled"}); err != nil {
		return errorResult(err)
	}
	return map[string]interface{}{"success": true}
}

// endCall never calls the API; it latches should_hangup for the graceful
// hangup protocol (§4.C, §4.E).
func (d *Dispatcher) endCall(_ map[string]interface{}) interface{} {
	d.Call.SetFlag(func(f *callctx.Flags) { f.ShouldHangup = true })
	return map[string]interface{}{"status": "hanging_up"}
}
