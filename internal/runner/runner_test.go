package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testExec(maxOutput int) *Exec {
	return NewExec(ExecConfig{
		MaxOutputBytes: maxOutput,
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
}

func sh(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}, Timeout: 5 * time.Second}
}

func TestExec_EmptyCommand_Error(t *testing.T) {
	res, err := testExec(0).Run(context.Background(), Command{})
	if !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code: got %d", res.ExitCode)
	}
}

func TestExec_Echo_Success(t *testing.T) {
	res, err := testExec(4096).Run(context.Background(), sh("echo hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code: got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout: got %q", res.Stdout)
	}
}

func TestExec_ExitNonZero_NotAnError(t *testing.T) {
	res, err := testExec(4096).Run(context.Background(), sh("echo partial; echo oops >&2; exit 3"))
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code: got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "partial") {
		t.Errorf("stdout: got %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "oops") || strings.Contains(res.Stdout, "oops") {
		t.Errorf("stderr should be captured separately: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
}

func TestExec_Timeout(t *testing.T) {
	cmd := sh("exec sleep 5")
	cmd.Timeout = 100 * time.Millisecond

	start := time.Now()
	res, err := testExec(4096).Run(context.Background(), cmd)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut should be set")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code: got %d", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestExec_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := testExec(4096).Run(ctx, sh("exec sleep 5"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("cancellation should not be reported as a timeout")
	}
}

func TestExec_MissingBinary(t *testing.T) {
	res, err := testExec(4096).Run(context.Background(), Command{Name: "openplus-no-such-binary-xyz"})
	if err == nil {
		t.Fatal("expected start error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("start failure reported as timeout: %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code: got %d", res.ExitCode)
	}
}

func TestExec_KeepsOutputTail(t *testing.T) {
	res, err := testExec(10).Run(context.Background(), sh("printf 0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "6789abcdef" {
		t.Errorf("stdout tail: got %q", res.Stdout)
	}
	if !res.StdoutTruncated {
		t.Error("StdoutTruncated should be set")
	}
}

func TestExec_UsesWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := sh("cat marker.txt")
	cmd.Dir = dir
	res, err := testExec(4096).Run(context.Background(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "here" {
		t.Errorf("stdout: got %q", res.Stdout)
	}
}

func TestExec_EnvAppended(t *testing.T) {
	cmd := sh(`printf "%s" "$OPENPLUS_RUNNER_TEST"`)
	cmd.Env = []string{"OPENPLUS_RUNNER_TEST=yes"}
	res, err := testExec(4096).Run(context.Background(), cmd)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "yes" {
		t.Errorf("stdout: got %q", res.Stdout)
	}
}

func TestFunc_AdaptsToRunner(t *testing.T) {
	var r Runner = Func(func(ctx context.Context, cmd Command) (Result, error) {
		return Result{ExitCode: 7, Stdout: cmd.String()}, nil
	})
	res, err := r.Run(context.Background(), Command{Name: "python", Args: []string{"auto_ai.py"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 7 || res.Stdout != "python auto_ai.py" {
		t.Errorf("got %+v", res)
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	b.Write([]byte("ab"))
	b.Write([]byte("cd"))
	if b.String() != "abcd" || b.Truncated() {
		t.Fatalf("got %q truncated=%v", b.String(), b.Truncated())
	}
	b.Write([]byte("efg"))
	if b.String() != "cdefg" || !b.Truncated() {
		t.Fatalf("got %q truncated=%v", b.String(), b.Truncated())
	}
	b.Write([]byte("0123456789"))
	if b.String() != "56789" {
		t.Fatalf("got %q", b.String())
	}

	exact := newTailBuffer(3)
	exact.Write([]byte("xyz"))
	if exact.String() != "xyz" || exact.Truncated() {
		t.Fatalf("exact fit: got %q truncated=%v", exact.String(), exact.Truncated())
	}
}

func TestTailBuffer_CutInsideRune_StartsAtRuneBoundary(t *testing.T) {
	b := newTailBuffer(3)
	b.Write([]byte("ab" + "é" + "xy")) // "é" is two bytes; the cut lands on its second byte
	got := b.String()
	if got != "xy" {
		t.Fatalf("got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("not valid UTF-8: %q", got)
	}

	whole := newTailBuffer(4)
	whole.Write([]byte("a" + "é" + "xy"))
	if got := whole.String(); got != "éxy" {
		t.Errorf("intact rune: got %q", got)
	}
}
