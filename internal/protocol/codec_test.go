package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		checkFn func(t *testing.T, env *Envelope)
	}{
		{
			name:  "method only",
			input: `{"method":"PING"}`,
			checkFn: func(t *testing.T, env *Envelope) {
				if env.Method != "PING" {
					t.Errorf("want method PING, got %q", env.Method)
				}
				if env.Payload["method"] != "PING" {
					t.Error("payload should keep the method key")
				}
			},
		},
		{
			name:  "payload fields preserved",
			input: `{"method":"read","channel":3,"unit":"C"}`,
			checkFn: func(t *testing.T, env *Envelope) {
				if env.Payload["unit"] != "C" {
					t.Errorf("unit not preserved: %#v", env.Payload)
				}
				if env.Payload["channel"] == nil {
					t.Error("channel not preserved")
				}
			},
		},
		{
			name:  "surrounding whitespace",
			input: "  {\"method\":\"ping\"}\n",
			checkFn: func(t *testing.T, env *Envelope) {
				if string(env.Raw) != `{"method":"ping"}` {
					t.Errorf("raw not trimmed: %q", env.Raw)
				}
			},
		},
		{name: "not json", input: `not json`, wantErr: ErrMalformed},
		{name: "empty", input: ``, wantErr: ErrMalformed},
		{name: "json array", input: `[1,2]`, wantErr: ErrMalformed},
		{name: "json string", input: `"ping"`, wantErr: ErrMalformed},
		{name: "json null", input: `null`, wantErr: ErrMalformed},
		{name: "trailing garbage", input: `{"method":"a"} {"method":"b"}`, wantErr: ErrMalformed},
		{name: "missing method", input: `{"channel":1}`, wantErr: ErrNoMethod},
		{name: "non-string method", input: `{"method":42}`, wantErr: ErrNoMethod},
		{name: "empty method", input: `{"method":""}`, wantErr: ErrNoMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeEnvelope() error = %v, want %v", err, tt.wantErr)
				}
				if env != nil {
					t.Fatalf("want nil envelope on error, got %#v", env)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEnvelope() unexpected error: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, env)
			}
		})
	}
}

func TestEncodeEnvelopeRoundTripsThroughDecode(t *testing.T) {
	b, err := EncodeEnvelope("read", map[string]any{"channel": 2, "method": "ignored"})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Method != "read" {
		t.Fatalf("method argument should win, got %q", env.Method)
	}

	if _, err := EncodeEnvelope("", nil); !errors.Is(err, ErrNoMethod) {
		t.Fatalf("want ErrNoMethod for empty method, got %v", err)
	}
}

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, res *Result)
	}{
		{
			name:  "ok with data",
			input: `{"status":"OK","data":{"temp":21.5}}`,
			checkFn: func(t *testing.T, res *Result) {
				if res.Status != StatusOK {
					t.Errorf("want OK, got %q", res.Status)
				}
				if !res.HasData() {
					t.Error("want data present")
				}
			},
		},
		{
			name:  "err with level",
			input: `{"status":"ERR","message":"sensor timeout","level":"ERROR"}`,
			checkFn: func(t *testing.T, res *Result) {
				if !res.IsErr() || res.Message != "sensor timeout" || res.EffectiveLevel() != LevelError {
					t.Errorf("unexpected result: %#v", res)
				}
			},
		},
		{
			name:  "severity alias",
			input: `{"status":"ERR","message":"x","severity":"CRITICAL"}`,
			checkFn: func(t *testing.T, res *Result) {
				if res.Level != LevelCritical {
					t.Errorf("severity alias not applied: %#v", res)
				}
			},
		},
		{
			name:  "level wins over severity",
			input: `{"status":"ERR","level":"ERROR","severity":"CRITICAL"}`,
			checkFn: func(t *testing.T, res *Result) {
				if res.Level != LevelError {
					t.Errorf("want ERROR, got %q", res.Level)
				}
			},
		},
		{
			name:  "missing status is passed through",
			input: `{"message":"nothing"}`,
			checkFn: func(t *testing.T, res *Result) {
				if res.Status != "" {
					t.Errorf("want empty status, got %q", res.Status)
				}
			},
		},
		{
			name:  "state updates",
			input: `{"status":"OK","state_updates":{"last":"2026-01-01"}}`,
			checkFn: func(t *testing.T, res *Result) {
				if res.StateUpdates["last"] != "2026-01-01" {
					t.Errorf("state updates not parsed: %#v", res.StateUpdates)
				}
			},
		},
		{name: "invalid json", input: `{oops}`, wantErr: true},
		{name: "empty", input: "  \n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, raw, err := DecodeResult(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(raw) != tt.input {
				t.Errorf("raw bytes not returned: %q", raw)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, res)
			}
		})
	}
}

func TestResultHelpers(t *testing.T) {
	if lvl := Err("", "boom").EffectiveLevel(); lvl != LevelWarning {
		t.Errorf("default level = %q, want WARNING", lvl)
	}
	if OK(nil).HasData() {
		t.Error("OK(nil) should carry no data")
	}
	if !OK(map[string]int{"n": 1}).HasData() {
		t.Error("OK(map) should carry data")
	}
	for _, empty := range []string{`{}`, `[]`, `""`, `null`, `0`, `false`} {
		if (Result{Data: []byte(empty)}).HasData() {
			t.Errorf("%s should count as no data", empty)
		}
	}
}

func TestEncodeRequest(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{
		Protocol:   1,
		Method:     "read",
		Node:       "sensor-01",
		Payload:    map[string]any{"method": "read"},
		State:      map[string]any{},
		DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
	}
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"protocol":1`, `"method":"read"`, `"node":"sensor-01"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}

	req.Protocol = 2
	if err := EncodeRequest(&buf, req); err == nil {
		t.Error("want error for unsupported protocol")
	}
}
