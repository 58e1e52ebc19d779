package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/placqs/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr kept from one run.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the wait between SIGTERM and SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrTimeout is returned when a plugin outlives its manifest timeout.
var ErrTimeout = errors.New("plugin timed out")

type runner struct {
	grace  time.Duration
	logger *slog.Logger
}

// run spawns entrypoint, writes req to its stdin and decodes its stdout.
// It returns the result, the captured stderr and any error.
func (r *runner) run(ctx context.Context, entrypoint string, req *protocol.Request, timeout time.Duration) (*protocol.Result, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Termination is managed here rather than by CommandContext so the
	// plugin gets SIGTERM and a grace period before SIGKILL.
	cmd := exec.Command(entrypoint)
	// Own process group, so a timeout also reaches anything the plugin spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("spawning plugin", "entrypoint", entrypoint, "method", req.Method, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timer.C:
		r.terminate(cmd, waitErr)
		return nil, truncateStderr(stderr.String()), fmt.Errorf("%w after %s", ErrTimeout, timeout)

	case <-ctx.Done():
		r.terminate(cmd, waitErr)
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())

		// A plugin that answers without reading stdin closes the pipe early.
		if werr := <-writeErr; werr != nil && !errors.Is(werr, syscall.EPIPE) {
			return nil, stderrStr, werr
		}

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			r.logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		res, raw, err := protocol.DecodeResult(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			r.logger.Error("failed to decode plugin result", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode result: %w", err)
		}
		return res, stderrStr, nil
	}
}

func (r *runner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	r.logger.Warn("stopping plugin, sending SIGTERM")
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		r.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		r.logger.Info("plugin exited after SIGTERM")
	case <-grace.C:
		r.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			r.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// signalGroup signals the plugin's whole process group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
