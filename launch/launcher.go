// Package launch starts and supervises a local ComfyUI server process for
// deployments where the shim owns the server's lifecycle, such as a
// serverless worker image that boots both in one container.
package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultStartupWait matches how long a cold WAN checkpoint load can
	// reasonably take before the server answers its first probe.
	DefaultStartupWait   = 2 * time.Minute
	DefaultProbeInterval = 2 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// Launcher runs a ComfyUI server as a child process. Configure the fields,
// then Start, WaitReady and eventually Stop. The zero value of every
// optional field picks the stock deployment's default.
type Launcher struct {
	// Python is the interpreter used to run the server. Defaults to
	// "python3".
	Python string
	// Dir is the ComfyUI checkout; main.py is run from here.
	Dir string
	// Listen is the bind address passed to the server. Defaults to
	// 127.0.0.1 so the server is reachable only by the shim.
	Listen string
	// Port is the server port. Defaults to 8188.
	Port int
	// Args holds extra arguments appended to the command line, for flags
	// like --highvram.
	Args []string
	// StartupWait bounds WaitReady.
	StartupWait time.Duration
	// ProbeInterval is the pause between readiness probes.
	ProbeInterval time.Duration
	// Log receives launcher events and the server's own output, one line
	// per record. Defaults to slog.Default.
	Log *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

func (l *Launcher) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l *Launcher) commandArgs() []string {
	listen := l.Listen
	if listen == "" {
		listen = "127.0.0.1"
	}
	port := l.Port
	if port == 0 {
		port = 8188
	}
	args := []string{"main.py", "--listen", listen, "--port", strconv.Itoa(port)}
	return append(args, l.Args...)
}

// Start spawns the server process. The server's stdout and stderr are
// merged and forwarded to the logger line by line.
func (l *Launcher) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil {
		return errors.New("comfyui already started")
	}

	python := l.Python
	if python == "" {
		python = "python3"
	}

	cmd := exec.Command(python, l.commandArgs()...)
	cmd.Dir = l.Dir
	// own process group, so Stop can take down helper processes custom
	// nodes spawn (ffmpeg and friends) along with the server
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out := &lineWriter{log: l.logger()}
	cmd.Stdout = out
	cmd.Stderr = out

	l.logger().Info("starting comfyui", "cmd", cmd.String(), "dir", l.Dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start comfyui: %w", err)
	}

	l.cmd = cmd
	l.done = make(chan struct{})
	go func() {
		err := cmd.Wait()
		out.flush()
		l.mu.Lock()
		l.exitErr = err
		l.mu.Unlock()
		close(l.done)
	}()
	return nil
}

// WaitHealthy blocks until probe succeeds, budget runs out or the context is
// canceled. It is the readiness wait for a server the shim did not start
// itself; probe is typically the client's SystemStats call. Non-positive
// budget and interval use the stock deployment's defaults.
func WaitHealthy(ctx context.Context, probe func(context.Context) error, budget, interval time.Duration, log *slog.Logger) error {
	if budget <= 0 {
		budget = DefaultStartupWait
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if log == nil {
		log = slog.Default()
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	attempt := 0
	for {
		attempt++
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		err := probe(probeCtx)
		cancel()
		if err == nil {
			log.Info("comfyui ready", "attempts", attempt)
			return nil
		}
		log.Debug("comfyui not ready yet", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("comfyui not ready after %s", budget)
		case <-tick.C:
		}
	}
}

// WaitReady blocks until probe succeeds, the startup budget runs out, the
// context is canceled or the server process exits.
func (l *Launcher) WaitReady(ctx context.Context, probe func(context.Context) error) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	waitCtx := ctx
	if done != nil {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-done:
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	err := WaitHealthy(waitCtx, probe, l.StartupWait, l.ProbeInterval, l.logger())
	if err != nil && done != nil {
		select {
		case <-done:
			exitErr := l.ExitErr()
			if exitErr == nil {
				exitErr = errors.New("exited cleanly")
			}
			return fmt.Errorf("comfyui exited during startup: %w", exitErr)
		default:
		}
	}
	return err
}

// Done is closed when the server process exits. It is nil before Start.
func (l *Launcher) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// ExitErr reports how the process ended. Valid once Done is closed.
func (l *Launcher) ExitErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitErr
}

// Stop asks the server to shut down and kills it if it has not exited
// within grace.
func (l *Launcher) Stop(grace time.Duration) error {
	l.mu.Lock()
	cmd := l.cmd
	done := l.done
	l.mu.Unlock()
	if cmd == nil {
		return errors.New("comfyui not started")
	}

	pid := cmd.Process.Pid
	l.logger().Info("stopping comfyui", "pid", pid, "grace", grace)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// already gone
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	l.logger().Warn("comfyui ignored SIGTERM, killing", "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill comfyui: %w", err)
	}
	<-done
	return nil
}

// lineWriter forwards a process's output to the logger one complete line at
// a time, so interleaved writes from stdout and stderr stay readable.
type lineWriter struct {
	log *slog.Logger
	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line != "" {
		w.log.Info(line, "source", "comfyui")
	}
}
