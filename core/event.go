package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrorEvent is sent to a connection whose event could not be handled.
const ErrorEvent = "error"

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent marshals payload into an event of type t.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

type ErrorEventPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Event is the type of the inbound event that failed.
	Event string `json:"event,omitempty"`
}

// NewErrorEvent builds the error event reported for err. Errors that are not
// core errors or that are sensitive are reported as internal.
func NewErrorEvent(err error, eventType string) *Event {
	payload := ErrorEventPayload{Code: CodeInternal, Message: "internal error", Event: eventType}
	var e *Error
	if errors.As(err, &e) && !e.Sensitive {
		payload.Code = e.Code
		payload.Message = e.Error()
	}
	b, _ := json.Marshal(payload)
	return &Event{Type: ErrorEvent, Payload: b}
}

// decodePayload unmarshals the payload of e into v and validates it.
func decodePayload(e *Event, v any) error {
	if len(e.Payload) == 0 {
		return ErrInvalidPayload.Withf("invalid payload: %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return ErrInvalidPayload.Withf("invalid payload: %v", err)
	}
	return validatePayload(v)
}

type EventHandler func(ctx context.Context, conn *Conn, e *Event) error

// EventRouter routes the inbound events of a connection to the handler
// registered for their type. Failures are reported to that connection only.
type EventRouter struct {
	listeners map[string]EventHandler
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		logger:    logger,
	}
}

// On registers the handler of an event type. It must not be called once
// events are being dispatched.
func (er *EventRouter) On(eventType string, handler EventHandler) {
	er.listeners[eventType] = handler
}

// Dispatch runs the handler of e. A handler error or panic is turned into an
// error event sent to conn.
func (er *EventRouter) Dispatch(ctx context.Context, conn *Conn, e *Event) {
	err := er.dispatch(ctx, conn, e)
	if err == nil {
		return
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Sensitive {
		er.logger.Error(fmt.Sprintf("%s handler: %v", e.Type, err), slog.Int("conn", conn.ID))
	} else {
		er.logger.Debug(fmt.Sprintf("%s handler: %v", e.Type, err), slog.Int("conn", conn.ID))
	}
	conn.Send(NewErrorEvent(err, e.Type))
}

func (er *EventRouter) dispatch(ctx context.Context, conn *Conn, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	handler, ok := er.listeners[e.Type]
	if !ok {
		return ErrInvalidPayload.Withf("unknown event type %q", e.Type)
	}
	return handler(ctx, conn, e)
}
