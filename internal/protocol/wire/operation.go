// Package wire defines the JSON shapes exchanged with a notebook backend:
// operation events pushed by the kernel and the payloads of every request on
// the operation surface.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operation names pushed by the backend.
const (
	OpKernelReady            = "kernel-ready"
	OpCellOp                 = "cell-op"
	OpCompletedRun           = "completed-run"
	OpInterrupted            = "interrupted"
	OpFunctionCallResult     = "function-call-result"
	OpDataColumnPreview      = "data-column-preview"
	OpSecretKeysResult       = "secret-keys-result"
	OpCompletionResult       = "completion-result"
	OpAlert                  = "alert"
	OpReconnected            = "reconnected"
	OpReload                 = "reload"
	OpVariables              = "variables"
	OpInstallingPackageAlert = "installing-package-alert"
)

// ErrMalformedOperation is returned when an inbound frame is not an operation.
var ErrMalformedOperation = errors.New("malformed operation")

// Operation is a single backend-originated event.
type Operation struct {
	// Op is the operation name, e.g. "cell-op".
	Op string `json:"op"`
	// Data is the op-specific payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewOperation encodes data into an Operation.
func NewOperation(op string, data any) (Operation, error) {
	if op == "" {
		return Operation{}, fmt.Errorf("%w: empty op", ErrMalformedOperation)
	}
	if data == nil {
		return Operation{Op: op}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Operation{}, fmt.Errorf("encode %s: %w", op, err)
	}
	return Operation{Op: op, Data: raw}, nil
}

// MustOperation is NewOperation for payloads that are known to encode.
func MustOperation(op string, data any) Operation {
	o, err := NewOperation(op, data)
	if err != nil {
		panic(err)
	}
	return o
}

// ParseOperation decodes one transport frame.
func ParseOperation(frame []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(frame, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	if op.Op == "" {
		return Operation{}, fmt.Errorf("%w: missing op", ErrMalformedOperation)
	}
	return op, nil
}

// Encode returns the frame form of the operation.
func (o Operation) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// Decode unmarshals the payload into v.
func (o Operation) Decode(v any) error {
	if len(o.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedOperation, o.Op)
	}
	return json.Unmarshal(o.Data, v)
}
