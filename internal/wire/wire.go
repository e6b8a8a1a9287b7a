// ============================================================================
// Taskpool Wire Protocol
// ============================================================================
//
// Package: internal/wire
// Purpose: the on-the-wire message shapes exchanged between a pool and a
// worker, and the dynamic decoder that tells them apart.
//
// Every message on the connection is one JSON value per line:
//
//	"ready"                               -- worker -> pool, startup signal
//	"__workerpool-terminate__"            -- pool -> worker, graceful stop
//	{"id":1,"method":"add","params":[..]} -- pool -> worker, a call
//	{"id":1,"result":3}                   -- worker -> pool, success
//	{"id":1,"error":{...}}                -- worker -> pool, failure
//	{"id":1,"isEvent":true,"payload":..}   -- worker -> pool, an emitted event
//
// A bare JSON string is either the ready signal or the terminate sentinel; a
// JSON object is a Request (carries "method") or a Response (does not).
// ============================================================================

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/taskpool/pkg/types"
)

const (
	// ReadySignal is sent once by a worker immediately after it starts
	// listening, before it is eligible to receive any Request.
	ReadySignal = "ready"

	// TerminateSentinel is sent by the pool to ask a worker to exit
	// gracefully once its current request (if any) finishes.
	TerminateSentinel = "__workerpool-terminate__"
)

// Request is a call dispatched to a worker.
type Request struct {
	ID     int64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params,omitempty"`
}

// Response is a worker's reply to a Request, or an out-of-band event.
type Response struct {
	ID      int64                   `json:"id"`
	Result  any                     `json:"result,omitempty"`
	Error   *types.SerializedError  `json:"error,omitempty"`
	IsEvent bool                    `json:"isEvent,omitempty"`
	Payload any                     `json:"payload,omitempty"`
}

// IsFailure reports whether this Response carries an error.
func (r *Response) IsFailure() bool {
	return r.Error != nil
}

// Decode inspects a single line of wire traffic and returns one of:
// the string ReadySignal, the string TerminateSentinel, a *Request, or a
// *Response. Any other shape is an error.
func Decode(line []byte) (any, error) {
	var asString string
	if err := json.Unmarshal(line, &asString); err == nil {
		switch asString {
		case ReadySignal:
			return ReadySignal, nil
		case TerminateSentinel:
			return TerminateSentinel, nil
		default:
			return nil, fmt.Errorf("wire: unrecognized bare string message %q", asString)
		}
	}

	var probe struct {
		Method *string `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed message: %w", err)
	}
	if probe.Method != nil {
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("wire: malformed request: %w", err)
		}
		return &req, nil
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("wire: malformed response: %w", err)
	}
	return &resp, nil
}

// EncodeReady returns the wire encoding of the ready signal.
func EncodeReady() ([]byte, error) {
	return json.Marshal(ReadySignal)
}

// EncodeTerminate returns the wire encoding of the terminate sentinel.
func EncodeTerminate() ([]byte, error) {
	return json.Marshal(TerminateSentinel)
}
