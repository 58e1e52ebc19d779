package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrMalformed means the bytes are not a JSON object.
	ErrMalformed = errors.New("malformed envelope")
	// ErrNoMethod means the object has no usable method field.
	ErrNoMethod = errors.New("method is not defined")
)

// DecodeEnvelope parses one transport message into an Envelope.
// Malformed input yields an error wrapping ErrMalformed or ErrNoMethod.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	raw, ok := payload["method"]
	if !ok {
		return nil, ErrNoMethod
	}
	method, ok := raw.(string)
	if !ok || method == "" {
		return nil, ErrNoMethod
	}

	return &Envelope{
		Method:  method,
		Payload: payload,
		Raw:     json.RawMessage(trimmed),
	}, nil
}

// EncodeEnvelope builds the wire form of a command for method with extra payload keys.
func EncodeEnvelope(method string, payload map[string]any) ([]byte, error) {
	if method == "" {
		return nil, ErrNoMethod
	}
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["method"] = method
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// UnmarshalJSON accepts "severity" as an alias of "level".
func (r *Result) UnmarshalJSON(b []byte) error {
	type plain Result
	var aux struct {
		plain
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Result(aux.plain)
	if r.Level == "" {
		r.Level = aux.Severity
	}
	return nil
}

// Request is the protocol v1 envelope written to plugin executables on stdin.
type Request struct {
	Protocol   int            `json:"protocol"`
	Method     string         `json:"method"`
	Node       string         `json:"node"`
	Payload    map[string]any `json:"payload"`
	State      map[string]any `json:"state"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != 1 {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// DecodeResult reads a plugin result from r. The raw bytes are returned
// alongside so callers can log what the plugin actually printed.
// A missing status is not rejected here; the dispatcher owns that check.
func DecodeResult(r io.Reader) (*Result, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read result: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, data, fmt.Errorf("plugin produced no output on stdout")
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, data, fmt.Errorf("plugin output is not valid JSON: %w", err)
	}

	return &res, data, nil
}
