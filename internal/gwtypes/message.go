// Package gwtypes holds the value types shared across the gateway: the
// scope built for each connection, the ordered header list, and the
// envelope used for every inbound/outbound message on the gateway
// contract.
package gwtypes

// Message is one inbound or outbound gateway message. Its shape is an
// open, string-keyed envelope rather than a sealed per-type struct: new
// message types must not force every call site that merely forwards a
// message (the dispatcher) to learn about fields it does not use.
type Message map[string]any

// Type returns the message's "type" field, or "" if absent or not a string.
func (m Message) Type() string {
	v, _ := m["type"].(string)
	return v
}

// Bytes returns the named field as []byte.
func (m Message) Bytes(key string) ([]byte, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// String returns the named field as a string.
func (m Message) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the named field as a bool, defaulting to def if absent.
func (m Message) Bool(key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Int returns the named field as an int, defaulting to def if absent or
// of the wrong type.
func (m Message) Int(key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}

// HeaderPairs returns the named field as an ordered slice of byte-pair
// headers. Used to validate http.response.start.
func (m Message) HeaderPairs(key string) ([]HeaderField, bool, error) {
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	raw, ok := v.([]HeaderField)
	if ok {
		return raw, true, nil
	}
	pairs, ok := v.([][2][]byte)
	if !ok {
		return nil, true, errBadHeaderShape
	}
	out := make([]HeaderField, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, HeaderField{Name: p[0], Value: p[1]})
	}
	return out, true, nil
}
