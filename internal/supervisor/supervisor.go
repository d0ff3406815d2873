// Package supervisor runs the collector as a child process and restarts it
// with backoff when it fails.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"cryptoindex/internal/backoff"
	"cryptoindex/internal/notification"
)

// ErrTooManyRestarts is returned when MaxRestarts is reached within Window.
var ErrTooManyRestarts = errors.New("too many restart attempts")

// Config configures a Supervisor. Zero values use the defaults below.
type Config struct {
	Command     string
	Args        []string
	MaxRestarts int           // restarts allowed per window
	Window      time.Duration // monitoring window
	Backoff     backoff.Policy
	StopGrace   time.Duration // SIGTERM to SIGKILL on shutdown
}

const (
	DefaultMaxRestarts = 5
	DefaultWindow      = 10 * time.Minute
	DefaultStopGrace   = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = backoff.Default()
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// Supervisor restarts a failing child. A clean exit (status 0) ends
// supervision.
type Supervisor struct {
	cfg      Config
	notifier notification.Notifier
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
	start func(ctx context.Context) (int, error)
}

// New creates a Supervisor. A nil notifier logs alerts.
func New(cfg Config, notifier notification.Notifier) *Supervisor {
	if notifier == nil {
		notifier = notification.NewLogNotifier()
	}
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		log:      slog.Default().With("component", "supervisor"),
		now:      time.Now,
		sleep:    sleep,
	}
	s.start = s.runChild
	return s
}

// Run supervises until the child exits cleanly, ctx is cancelled or the
// restart budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	restarts := 0
	windowStart := s.now()

	for {
		if s.now().Sub(windowStart) > s.cfg.Window {
			if restarts > 0 {
				s.log.Info("resetting restart counter after monitoring window", "restarts", restarts)
			}
			restarts = 0
			windowStart = s.now()
		}

		if restarts >= s.cfg.MaxRestarts {
			s.log.Error("exceeded maximum restarts within monitoring window, giving up",
				"max_restarts", s.cfg.MaxRestarts, "window", s.cfg.Window.String())
			s.notify(notification.AlertCritical, "Collector failed",
				fmt.Sprintf("Crypto Index Collector failed to start after %d attempts", restarts))
			return ErrTooManyRestarts
		}

		s.log.Info("starting collector", "command", s.cfg.Command)
		code, err := s.start(ctx)
		if ctx.Err() != nil {
			s.log.Info("supervisor stopped")
			return nil
		}
		if err == nil && code == 0 {
			s.log.Info("collector exited normally")
			return nil
		}

		restarts++
		delay := s.cfg.Backoff.Delay(restarts)
		if err != nil {
			s.log.Error("failed to start collector", "error", err, "attempt", restarts)
			s.notify(notification.AlertWarning, "Collector start failed",
				fmt.Sprintf("Failed to start Crypto Index Collector: %v. Retrying in %s (attempt %d/%d)",
					err, delay, restarts, s.cfg.MaxRestarts))
		} else {
			s.log.Warn("collector crashed", "exit_code", code, "attempt", restarts)
			s.notify(notification.AlertWarning, "Collector crashed",
				fmt.Sprintf("Crypto Index Collector crashed with exit code %d. Restarting in %s (attempt %d/%d)",
					code, delay, restarts, s.cfg.MaxRestarts))
		}

		if !s.sleep(ctx, delay) {
			return nil
		}
	}
}

func (s *Supervisor) notify(level notification.AlertLevel, title, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := s.notifier.Send(ctx, notification.Alert{Level: level, Title: title, Message: msg, Time: s.now().UTC()})
	if err != nil {
		s.log.Warn("notification failed", "error", err)
	}
}

// runChild runs the command with inherited stdio. It returns the exit code
// when the process ran, or an error when it could not be started.
func (s *Supervisor) runChild(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.cfg.StopGrace

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
