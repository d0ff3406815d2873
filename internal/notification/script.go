package notification

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// ScriptNotifier runs an operator-provided executable with the alert as its
// only argument, formatted "LEVEL: title: message".
type ScriptNotifier struct {
	path    string
	timeout time.Duration
}

// NewScriptNotifier creates a notifier that runs the executable at path.
func NewScriptNotifier(path string) *ScriptNotifier {
	return &ScriptNotifier{path: path, timeout: 10 * time.Second}
}

func (s *ScriptNotifier) Send(ctx context.Context, alert Alert) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.path, alert.String()).CombinedOutput()
	if err != nil {
		return fmt.Errorf("script: %s: %w (output: %s)", s.path, err, strings.TrimSpace(string(out)))
	}
	log.Printf("[script] sent alert via %s: %s", s.path, alert.Title)
	return nil
}
