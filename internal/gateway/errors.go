package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindTransport means no response was received.
	KindTransport Kind = iota
	// KindServer means the server answered with status >= 400.
	KindServer
	// KindTimeout means the request did not complete within its deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single error shape returned by every [Client] operation.
type Error struct {
	Kind Kind
	// Op names the gateway operation, e.g. "create" or "fetch page".
	Op string
	// StatusCode is set for KindServer.
	StatusCode int
	// Reason is the server-provided message or a short transport description.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServer:
		if e.Reason != "" {
			return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Reason)
		}
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("gateway %s: timed out", e.Op)
	default:
		if e.Err != nil {
			return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Kind, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a gateway [Error] of the given kind.
func IsKind(err error, kind Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == kind
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindServer && ge.StatusCode == http.StatusNotFound
}

// transportError converts a failed round trip into an [Error], mapping
// deadline expiry to KindTimeout.
func transportError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Reason: "deadline exceeded", Err: err}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Reason: "deadline exceeded", Err: err}
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}
