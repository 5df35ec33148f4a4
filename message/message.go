// Package message defines the RPC records exchanged between a controller and the worker.
//
// RPCMessage is the request "envelope". It is encoded by the codec layer into a memory
// region and handed to the worker's queue as an opaque (handle, size) pair. Response is
// what the dispatcher produces; on the wire it is just correlation id + text.
package message

import "strings"

// Type selects one of the five worker operations.
type Type uint32

const (
	TypeRun           Type = 0 // Compile and execute text in the persistent namespace
	TypeAddModule     Type = 1 // Store text as the source of ModuleName
	TypeRemoveModule  Type = 2 // Drop ModuleName and queue it for unload
	TypeReloadModules Type = 3 // Run the reload cycle
	TypeCallFunction  Type = 4 // Import ModuleName and call FunctionName with JSON args in Text
)

func (t Type) Valid() bool {
	return t <= TypeCallFunction
}

func (t Type) String() string {
	switch t {
	case TypeRun:
		return "Run"
	case TypeAddModule:
		return "AddModule"
	case TypeRemoveModule:
		return "RemoveModule"
	case TypeReloadModules:
		return "ReloadModules"
	case TypeCallFunction:
		return "CallFunction"
	}
	return "Unknown"
}

// SuccessMarker is the literal payload reported when an operation has nothing else to say.
const SuccessMarker = "0"

// RPCMessage carries a single request.
//
//   - CorrelationID 0 means fire-and-forget: no response is sent on success.
//   - ModuleName, FunctionName and Text are optional; nil means absent, which is
//     different from present-but-empty.
type RPCMessage struct {
	Type          Type    `json:"type"`
	CorrelationID uint32  `json:"correlationId"`
	ModuleName    *string `json:"moduleName,omitempty"`
	FunctionName  *string `json:"functionName,omitempty"`
	Text          *string `json:"text,omitempty"`
}

// Response is the outcome of dispatching one RPCMessage.
//
// Failed responses are always delivered, even under correlation id 0 (log-only
// failures); successful ones only when the request asked for an answer.
type Response struct {
	CorrelationID uint32
	Text          string
	Failed        bool
}

// ShouldSend reports whether the response has a destination.
func (r *Response) ShouldSend() bool {
	return r != nil && (r.Failed || r.CorrelationID != 0)
}

// String returns a pointer to s, for filling the optional fields.
func String(s string) *string {
	return &s
}

// Value dereferences an optional field, returning "" when absent.
func Value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// LooksLikeFailure sniffs a response payload. Success and failure share one textual
// envelope, so this is the only way for a controller to tell them apart.
func LooksLikeFailure(text string) bool {
	return strings.HasPrefix(text, "Traceback (most recent call last):")
}
