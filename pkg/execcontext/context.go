// Package execcontext carries the environment and command prefix (e.g. "sudo")
// applied to every external command netguard runs.
package execcontext

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"strings"
)

// ErrCommandFailed is returned by Run when the command exits with an error.
var ErrCommandFailed = errors.New("command failed")

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &execContext{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

type execContext struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *execContext) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *execContext) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// ApplyToCmd rewrites cmd so that it runs behind the context's prefix and with
// the context's extra environment on top of the current process environment.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	envs := ctx.Envs()
	if len(envs) > 0 && cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	for k, v := range envs {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Err = tmpCmd.Err
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// Command builds a context-bound *exec.Cmd with execCtx applied.
func Command(ctx context.Context, execCtx Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	ApplyToCmd(execCtx, cmd)
	return cmd
}

// Run executes the command and returns its combined output. A failure wraps
// ErrCommandFailed together with the formatted command line and its output.
func Run(ctx context.Context, execCtx Context, name string, args ...string) ([]byte, error) {
	output, err := Command(ctx, execCtx, name, args...).CombinedOutput()
	if err != nil {
		cmdline := FormatCmd(execCtx, append([]string{name}, args...)...)
		return output, fmt.Errorf("%w: %s: %v, output: %s",
			ErrCommandFailed, cmdline, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

func FormatCmd(ctx Context, cmd ...string) string {
	out := ""

	// Add environment variables first (without quoting the entire assignment)
	for k, v := range ctx.Envs() {
		envStr := fmt.Sprintf("%s=%q", k, v)
		out = fmt.Sprintf("%s%s ", out, envStr)
	}

	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%q ", cmd, s)
}
