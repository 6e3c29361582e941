package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

// ExecHooks runs operator-configured shell commands as enforcement hooks.
// The rule id, target value, and module arrive in the environment so the
// same command can serve every rule.
type ExecHooks struct {
	AdjustCommand   string
	HardStopCommand string

	logger *slog.Logger
}

// NewExecHooks builds hooks from configured commands. An empty command is a
// no-op that reports success, so partial deployments can enforce only the
// shutdown path.
func NewExecHooks(adjustCommand, hardStopCommand string) *ExecHooks {
	return &ExecHooks{
		AdjustCommand:   adjustCommand,
		HardStopCommand: hardStopCommand,
		logger:          slog.Default().With("component", "enforce.exec"),
	}
}

func (h *ExecHooks) Adjust(ctx context.Context, ruleID string, target float64) error {
	if h.AdjustCommand == "" {
		return nil
	}
	return h.run(ctx, h.AdjustCommand,
		"REGMON_RULE_ID="+ruleID,
		"REGMON_TARGET="+strconv.FormatFloat(target, 'f', -1, 64))
}

func (h *ExecHooks) HardStop(ctx context.Context, module string) error {
	if h.HardStopCommand == "" {
		return nil
	}
	return h.run(ctx, h.HardStopCommand, "REGMON_MODULE="+module)
}

func (h *ExecHooks) run(ctx context.Context, command string, env ...string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q: %w (output: %s)", command, err, out)
	}
	h.logger.Debug("hook command completed", "command", command)
	return nil
}
