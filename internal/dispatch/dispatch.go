// Package dispatch implements the reply dispatcher (spec component C4):
// the single chokepoint through which every outbound gateway message
// passes on its way from the application back to the wire. It validates
// shape for the messages it is responsible for, routes by the message's
// "type" field to the owning protocol state machine, and silently drops
// messages for connections that are gone or already disconnected.
package dispatch

import (
	"context"
	"fmt"

	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

// ReplyTarget is implemented by the protocol-specific connection object
// (an httpconn.Conn or wsconn.Conn) that owns the wire for one
// connection.
type ReplyTarget interface {
	// HandleOutbound applies one outbound message to the wire,
	// returning a *ContractError if the application violated the
	// gateway contract for this protocol.
	HandleOutbound(ctx context.Context, msg gwtypes.Message) error
	// Fail synthesizes a terminal error response on the wire (500 for
	// HTTP, a 1011 close for WebSocket) and tears the connection down.
	// Idempotent.
	Fail(err error)
}

// Lookup resolves a connection ID to its reply target, reporting
// whether the connection is live (registered and not yet disconnected).
type Lookup interface {
	ReplyTarget(connID string) (ReplyTarget, bool)
}

// ContractError indicates the application violated the outbound message
// shape the gateway contract requires (spec.md §7 GatewayContractError).
type ContractError struct {
	Reason string
}

func (e *ContractError) Error() string { return "gateway contract violation: " + e.Reason }

// Dispatcher routes outbound application messages to their connection.
type Dispatcher struct {
	lookup Lookup

	// OnContractViolation, if set, is called once per detected
	// GatewayContractError, before the synthesized wire failure. Used to
	// feed the contract_violations counter.
	OnContractViolation func()
}

// New creates a dispatcher bound to a connection lookup (typically the
// connection registry).
func New(lookup Lookup) *Dispatcher {
	return &Dispatcher{lookup: lookup}
}

// HandleReply is the single entry point applications' send() calls
// funnel through. It drops the message silently if the connection is
// gone, validates header-bytes shape for http.response.start, then
// routes to the protocol-specific handler. Contract violations are
// turned into a synthesized wire error and returned to the caller (so
// the application fails fast), per spec.md §7.
func (d *Dispatcher) HandleReply(ctx context.Context, connID string, msg gwtypes.Message) error {
	target, ok := d.lookup.ReplyTarget(connID)
	if !ok {
		return nil
	}

	if msg.Type() == "http.response.start" {
		if err := validateResponseStart(msg); err != nil {
			d.reportViolation()
			target.Fail(err)
			return err
		}
	}

	if err := target.HandleOutbound(ctx, msg); err != nil {
		var ce *ContractError
		if asContractError(err, &ce) {
			d.reportViolation()
			target.Fail(err)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) reportViolation() {
	if d.OnContractViolation != nil {
		d.OnContractViolation()
	}
}

func validateResponseStart(msg gwtypes.Message) error {
	status, ok := msg["status"]
	if !ok {
		return &ContractError{Reason: "http.response.start missing required \"status\""}
	}
	if _, ok := status.(int); !ok {
		return &ContractError{Reason: fmt.Sprintf("http.response.start \"status\" must be an int, got %T", status)}
	}

	if raw, present := msg["headers"]; present {
		if _, _, err := msg.HeaderPairs("headers"); err != nil {
			return &ContractError{Reason: "http.response.start \"headers\" must be a sequence of byte pairs"}
		}
		_ = raw
	}
	return nil
}

func asContractError(err error, target **ContractError) bool {
	if ce, ok := err.(*ContractError); ok {
		*target = ce
		return true
	}
	return false
}
