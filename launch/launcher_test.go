package launch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func quietLauncher() *Launcher {
	return &Launcher{Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestCommandArgsDefaults(t *testing.T) {
	l := &Launcher{}
	got := strings.Join(l.commandArgs(), " ")
	if got != "main.py --listen 127.0.0.1 --port 8188" {
		t.Fatalf("args = %q", got)
	}

	l = &Launcher{Listen: "0.0.0.0", Port: 9000, Args: []string{"--highvram"}}
	got = strings.Join(l.commandArgs(), " ")
	if got != "main.py --listen 0.0.0.0 --port 9000 --highvram" {
		t.Fatalf("args = %q", got)
	}
}

func TestWaitReadySucceedsAfterProbes(t *testing.T) {
	l := quietLauncher()
	l.StartupWait = 5 * time.Second
	l.ProbeInterval = 5 * time.Millisecond

	failures := 3
	err := l.WaitReady(t.Context(), func(context.Context) error {
		if failures > 0 {
			failures--
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	if failures != 0 {
		t.Fatalf("probe stopped early, %d failures left", failures)
	}
}

func TestWaitReadyGivesUpAfterBudget(t *testing.T) {
	l := quietLauncher()
	l.StartupWait = 30 * time.Millisecond
	l.ProbeInterval = 5 * time.Millisecond

	err := l.WaitReady(t.Context(), func(context.Context) error {
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected budget error")
	}
	if !strings.Contains(err.Error(), "not ready after") {
		t.Fatalf("err = %v", err)
	}
}

func TestWaitReadyStopsWhenContextCanceled(t *testing.T) {
	l := quietLauncher()
	l.StartupWait = 5 * time.Second
	l.ProbeInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := l.WaitReady(ctx, func(context.Context) error {
		return errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestWaitReadyReportsProcessDeath(t *testing.T) {
	l := quietLauncher()
	l.StartupWait = 5 * time.Second
	l.ProbeInterval = 5 * time.Millisecond
	l.done = make(chan struct{})
	l.exitErr = errors.New("exit status 1")
	close(l.done)

	err := l.WaitReady(t.Context(), func(context.Context) error {
		return errors.New("connection refused")
	})
	if err == nil || !strings.Contains(err.Error(), "exited during startup") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "exit status 1") {
		t.Fatalf("exit cause lost: %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	if err := quietLauncher().Stop(time.Second); err == nil {
		t.Fatal("expected error")
	}
}

func TestLineWriterSplitsChunks(t *testing.T) {
	var buf bytes.Buffer
	w := &lineWriter{log: slog.New(slog.NewTextHandler(&buf, nil))}

	io.WriteString(w, "loading check")
	io.WriteString(w, "point\r\ngot prompt\npartial")
	w.flush()

	out := buf.String()
	for _, want := range []string{"loading checkpoint", "got prompt", "partial"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "source=comfyui") != 3 {
		t.Errorf("expected 3 records:\n%s", out)
	}
}
