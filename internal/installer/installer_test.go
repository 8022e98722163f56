//go:build unit

package installer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReloader struct {
	calls int
	err   error
}

func (r *fakeReloader) DaemonReload(context.Context) error {
	r.calls++
	return r.err
}

func newInstaller(t *testing.T, reloader Reloader) *Installer {
	t.Helper()
	return New(Config{
		SystemdDir: t.TempDir(),
		Unit:       "libvirtd.service",
		Binary:     "/usr/local/bin/netguard",
	}, reloader, nil)
}

func TestInstall(t *testing.T) {
	reloader := &fakeReloader{}
	i := newInstaller(t, reloader)

	path, err := i.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(i.config.SystemdDir, "libvirtd.service.d", "10-netguard.conf"), path)
	assert.Equal(t, 1, reloader.calls)

	// Installing again replaces the hook instead of adding a second one.
	_, err = i.Install(context.Background())
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	opts, err := unit.Deserialize(bytes.NewReader(content))
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, "Service", opts[0].Section)
	assert.Equal(t, "ExecStartPost", opts[0].Name)
	assert.Equal(t, "-/usr/local/bin/netguard post-start", opts[0].Value)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInstall_Validation(t *testing.T) {
	_, err := New(Config{SystemdDir: t.TempDir()}, nil, nil).Install(context.Background())
	assert.True(t, errors.Is(err, ErrUnitRequired))

	_, err = New(Config{SystemdDir: t.TempDir(), Unit: "libvirtd.service"}, nil, nil).Install(context.Background())
	assert.True(t, errors.Is(err, ErrBinaryRequired))
}

func TestInstall_ReloadFailure(t *testing.T) {
	i := newInstaller(t, &fakeReloader{err: errors.New("no systemd")})

	path, err := i.Install(context.Background())
	assert.Error(t, err)
	assert.FileExists(t, path)
}

func TestUninstall(t *testing.T) {
	reloader := &fakeReloader{}
	i := newInstaller(t, reloader)

	path, err := i.Install(context.Background())
	require.NoError(t, err)

	removed, err := i.Uninstall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, removed)
	assert.NoFileExists(t, path)
	assert.NoDirExists(t, filepath.Dir(path))
	assert.Equal(t, 2, reloader.calls)

	// Nothing left to remove.
	_, err = i.Uninstall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, reloader.calls)
}
