package gwtypes

import "errors"

var errBadHeaderShape = errors.New("gwtypes: header field value has the wrong shape")

// Address is a host/port pair as carried in a scope's client/server fields.
type Address struct {
	Host string
	Port int
}

// HeaderField is one (name, value) header pair. Names are always
// lower-case ASCII bytes once they reach a Scope; values are bytes with
// only outer whitespace trimmed.
type HeaderField struct {
	Name  []byte
	Value []byte
}

// Headers is an ordered sequence of header fields, preserving duplicates.
type Headers []HeaderField

// Get returns the first value for name (case-sensitive; names are
// expected to already be lower-case), and whether it was present.
func (h Headers) Get(name string) ([]byte, bool) {
	for _, f := range h {
		if string(f.Name) == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Values returns every value for name, in order.
func (h Headers) Values(name string) [][]byte {
	var out [][]byte
	for _, f := range h {
		if string(f.Name) == name {
			out = append(out, f.Value)
		}
	}
	return out
}

// ScopeType distinguishes the two kinds of connection scope.
type ScopeType string

const (
	ScopeHTTP      ScopeType = "http"
	ScopeWebSocket ScopeType = "websocket"
)

// Scope is the immutable, per-connection description handed to the
// application at task creation. Both HTTP and WebSocket connections
// build one; fields that only apply to one kind are zero-valued on the
// other.
type Scope struct {
	Type ScopeType

	// HTTP-only.
	HTTPVersion string // "1.0" or "1.1"
	Method      string // upper-case ASCII

	// Shared.
	Path        string // percent-decoded UTF-8
	RawPath     []byte // bytes as sent on the wire
	RootPath    string
	Scheme      string
	QueryString []byte // still percent-encoded
	Headers     Headers
	Client      Address
	Server      Address

	// WebSocket-only.
	Subprotocols []string

	// GatewayVersion is stamped by the application runner if the
	// application does not set one itself.
	GatewayVersion string

	// Extra holds supplemental keys (e.g. application-set extensions)
	// that do not warrant a dedicated field.
	Extra map[string]any
}

// IsWebSocket reports whether this is a WebSocket scope.
func (s *Scope) IsWebSocket() bool { return s.Type == ScopeWebSocket }
