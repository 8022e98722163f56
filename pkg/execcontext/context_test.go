//go:build unit

package execcontext

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCmd(t *testing.T) {
	tests := []struct {
		name     string
		ctx      Context
		cmd      []string
		expected string
	}{
		{
			name:     "no prefix",
			ctx:      New(nil, nil),
			cmd:      []string{"systemctl", "daemon-reload"},
			expected: `"systemctl" "daemon-reload"`,
		},
		{
			name:     "sudo prefix",
			ctx:      New(nil, []string{"sudo", "-n"}),
			cmd:      []string{"systemctl", "start", "libvirtd.service"},
			expected: `"sudo" "-n" "systemctl" "start" "libvirtd.service"`,
		},
		{
			name:     "env and operator",
			ctx:      New(map[string]string{"LANG": "C"}, nil),
			cmd:      []string{"true", "&&", "false"},
			expected: `LANG="C" "true" && "false"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatCmd(tt.ctx, tt.cmd...))
		})
	}
}

func TestApplyToCmd_Prefix(t *testing.T) {
	cmd := exec.Command("systemctl", "daemon-reload")
	ApplyToCmd(New(nil, []string{"sudo", "-n"}), cmd)

	assert.Equal(t, []string{"sudo", "-n", "systemctl", "daemon-reload"}, cmd.Args)
}

func TestApplyToCmd_EnvKeepsProcessEnvironment(t *testing.T) {
	t.Setenv("NETGUARD_TEST_INHERITED", "yes")

	cmd := exec.Command("true")
	ApplyToCmd(New(map[string]string{"LANG": "C"}, nil), cmd)

	assert.Contains(t, cmd.Env, "LANG=C")
	assert.Contains(t, cmd.Env, "NETGUARD_TEST_INHERITED=yes")
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	execCtx := New(nil, nil)

	out, err := Run(ctx, execCtx, "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, err = Run(ctx, execCtx, "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Contains(t, err.Error(), "boom")
}
