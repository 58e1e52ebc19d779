package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/placqs/internal/reader"
	"github.com/mattjoyce/placqs/internal/state"
	"github.com/mattjoyce/placqs/internal/storage"
)

func writePlugin(t *testing.T, root, name, manifest, script string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))
	return dir
}

func discard(string, string, ...any) {}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, root string)
		wantNames []string
	}{
		{
			name: "string and object methods",
			setup: func(t *testing.T, root string) {
				writePlugin(t, root, "thermo", `name: thermo
version: 1.0.0
entrypoint: run.sh
timeout: 2s
methods:
  - read_temp
  - name: calibrate
    description: zero the probe
`, "#!/bin/sh\n")
			},
			wantNames: []string{"thermo"},
		},
		{
			name: "missing methods skipped",
			setup: func(t *testing.T, root string) {
				writePlugin(t, root, "bad", "name: bad\nentrypoint: run.sh\n", "#!/bin/sh\n")
			},
		},
		{
			name: "non-executable entrypoint skipped",
			setup: func(t *testing.T, root string) {
				dir := writePlugin(t, root, "noexec", "name: noexec\nentrypoint: run.sh\nmethods: [a]\n", "#!/bin/sh\n")
				require.NoError(t, os.Chmod(filepath.Join(dir, "run.sh"), 0o644))
			},
		},
		{
			name: "path traversal rejected",
			setup: func(t *testing.T, root string) {
				writePlugin(t, root, "escape", "name: escape\nentrypoint: ../run.sh\nmethods: [a]\n", "#!/bin/sh\n")
			},
		},
		{
			name: "bad timeout rejected",
			setup: func(t *testing.T, root string) {
				writePlugin(t, root, "slow", "name: slow\nentrypoint: run.sh\nmethods: [a]\ntimeout: soon\n", "#!/bin/sh\n")
			},
		},
		{
			name: "unsupported protocol rejected",
			setup: func(t *testing.T, root string) {
				writePlugin(t, root, "v2", "name: v2\nprotocol: 2\nentrypoint: run.sh\nmethods: [a]\n", "#!/bin/sh\n")
			},
		},
		{
			name: "world-writable plugin directory rejected",
			setup: func(t *testing.T, root string) {
				dir := writePlugin(t, root, "open", "name: open\nentrypoint: run.sh\nmethods: [a]\n", "#!/bin/sh\n")
				require.NoError(t, os.Chmod(dir, 0o777))
			},
		},
		{
			name: "duplicate name keeps first",
			setup: func(t *testing.T, root string) {
				writePlugin(t, root, "a", "name: dup\nentrypoint: run.sh\nmethods: [x]\n", "#!/bin/sh\n")
				writePlugin(t, root, "b", "name: dup\nentrypoint: run.sh\nmethods: [y]\n", "#!/bin/sh\n")
			},
			wantNames: []string{"dup"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.setup(t, root)

			catalog, err := Discover(root, discard)
			require.NoError(t, err)

			var names []string
			for _, p := range catalog.All() {
				names = append(names, p.Name)
			}
			assert.Equal(t, tt.wantNames, names)
		})
	}
}

func TestDiscoverManifestFields(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "thermo", `name: thermo
version: 1.2.0
entrypoint: run.sh
timeout: 1500ms
methods: [read_temp, {name: calibrate}]
`, "#!/bin/sh\n")

	catalog, err := Discover(root, nil)
	require.NoError(t, err)
	p, ok := catalog.Get("thermo")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", p.Version)
	assert.Equal(t, 1500*time.Millisecond, p.Timeout)
	assert.Equal(t, []string{"read_temp", "calibrate"}, p.MethodNames())
	assert.True(t, filepath.IsAbs(p.Entrypoint))

	writePlugin(t, root, "plain", "name: plain\nentrypoint: run.sh\nmethods: [x]\n", "#!/bin/sh\n")
	catalog, err = Discover(root, nil)
	require.NoError(t, err)
	p, _ = catalog.Get("plain")
	assert.Equal(t, DefaultTimeout, p.Timeout)
}

func TestDiscoverBadRoot(t *testing.T) {
	_, err := Discover("", nil)
	assert.Error(t, err)
	_, err = Discover(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

type fixture struct {
	st     *storage.Store
	states *state.Store
	reg    *reader.Registry
}

func newFixture(t *testing.T, root string, grace time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "placqs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, state.Bootstrap(ctx, st))

	catalog, err := Discover(root, discard)
	require.NoError(t, err)

	states := state.NewStore()
	rd := New(catalog, states)
	rd.runner.grace = grace
	rd.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	reg, err := reader.Build(rd)
	require.NoError(t, err)
	return &fixture{st: st, states: states, reg: reg}
}

func (f *fixture) call(t *testing.T, method string, payload map[string]any) (*storage.Session, []byte, error) {
	t.Helper()
	ctx := context.Background()
	capability, err := f.reg.Resolve(method)
	require.NoError(t, err)

	sess, err := f.st.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	res, err := capability(ctx, reader.Message{Method: method, Payload: payload, Session: sess, Node: "sensor-01"})
	var raw []byte
	if err == nil {
		raw, _ = json.Marshal(res)
	}
	return sess, raw, err
}

const echoScript = `#!/bin/sh
input=$(cat)
printf '{"status":"OK","data":%s,"state_updates":{"calls":1,"last":"read_temp"}}' "$input"
`

func TestCapabilitySendsRequestAndMergesState(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "thermo", "name: thermo\nentrypoint: run.sh\nmethods: [Read_Temp]\ntimeout: 5s\n", echoScript)
	f := newFixture(t, root, 100*time.Millisecond)
	ctx := context.Background()

	sess, raw, err := f.call(t, "READ_TEMP", map[string]any{"method": "READ_TEMP", "channel": 3})
	require.NoError(t, err)

	var res struct {
		Status string `json:"status"`
		Data   struct {
			Protocol   int            `json:"protocol"`
			Method     string         `json:"method"`
			Node       string         `json:"node"`
			Payload    map[string]any `json:"payload"`
			State      map[string]any `json:"state"`
			DeadlineAt time.Time      `json:"deadline_at"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "OK", res.Status)
	assert.Equal(t, 1, res.Data.Protocol)
	assert.Equal(t, "read_temp", res.Data.Method)
	assert.Equal(t, "sensor-01", res.Data.Node)
	assert.EqualValues(t, 3, res.Data.Payload["channel"])
	assert.Empty(t, res.Data.State)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 5, 0, time.UTC), res.Data.DeadlineAt)

	got, err := f.states.Get(ctx, sess, "thermo")
	require.NoError(t, err)
	assert.Equal(t, "read_temp", got["last"])

	require.NoError(t, sess.Commit())

	// State from the committed run is handed to the next one.
	_, raw, err = f.call(t, "read_temp", nil)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "read_temp", res.Data.State["last"])
	assert.NotNil(t, res.Data.Payload)
}

func TestCapabilityStateRollsBackWithSession(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "thermo", "name: thermo\nentrypoint: run.sh\nmethods: [read_temp]\n", echoScript)
	f := newFixture(t, root, 100*time.Millisecond)
	ctx := context.Background()

	sess, _, err := f.call(t, "read_temp", nil)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	check, err := f.st.Begin(ctx)
	require.NoError(t, err)
	defer check.Close()
	got, err := f.states.Get(ctx, check, "thermo")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCapabilityFaults(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout string
		check   func(t *testing.T, err error)
	}{
		{
			name:   "garbage on stdout",
			script: "#!/bin/sh\ncat >/dev/null\necho not-json\n",
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "decode result")
			},
		},
		{
			name:   "no output",
			script: "#!/bin/sh\ncat >/dev/null\n",
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "no output")
			},
		},
		{
			name:    "timeout",
			script:  "#!/bin/sh\nexec sleep 5\n",
			timeout: "200ms",
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, ErrTimeout))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			manifest := "name: p\nentrypoint: run.sh\nmethods: [go]\n"
			if tt.timeout != "" {
				manifest += "timeout: " + tt.timeout + "\n"
			}
			writePlugin(t, root, "p", manifest, tt.script)
			f := newFixture(t, root, 100*time.Millisecond)

			start := time.Now()
			_, _, err := f.call(t, "go", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "plugin p")
			assert.Less(t, time.Since(start), 4*time.Second)
			tt.check(t, err)
		})
	}
}

func TestTimeoutStopsSpawnedChildren(t *testing.T) {
	root := t.TempDir()
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	writePlugin(t, root, "p", "name: p\nentrypoint: run.sh\nmethods: [go]\ntimeout: 200ms\n",
		"#!/bin/sh\nsleep 30 &\necho $! > "+pidFile+"\nwait\n")
	f := newFixture(t, root, 100*time.Millisecond)

	start := time.Now()
	_, _, err := f.call(t, "go", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 4*time.Second, "a child holding stdout must not keep the call waiting")

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return exited(pid) }, 3*time.Second, 20*time.Millisecond, "spawned child %d survived the timeout", pid)
}

// exited treats an unreaped zombie as gone; orphans may never be reaped in a
// container without an init.
func exited(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	return strings.Contains(string(stat), ") Z ")
}

func TestNonZeroExitStillDecodes(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "p", "name: p\nentrypoint: run.sh\nmethods: [go]\n",
		"#!/bin/sh\ncat >/dev/null\necho '{\"status\":\"ERR\",\"message\":\"probe offline\",\"level\":\"ERROR\"}'\nexit 3\n")
	f := newFixture(t, root, 100*time.Millisecond)

	_, raw, err := f.call(t, "go", nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "probe offline")
}

func TestInstallRejectsMethodConflict(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a", "name: a\nentrypoint: run.sh\nmethods: [read]\n", "#!/bin/sh\n")
	writePlugin(t, root, "b", "name: b\nentrypoint: run.sh\nmethods: [READ]\n", "#!/bin/sh\n")

	catalog, err := Discover(root, discard)
	require.NoError(t, err)
	_, err = reader.Build(New(catalog, state.NewStore()))
	assert.Error(t, err)
}
