package cmdutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMountConfig(t *testing.T) {
	path := writeConfig(t, `
fs_name: scratch
allow_other: true
server:
  concurrency: 8
  request_timeout: 30s
kernel:
  capabilities: [async_read, writeback_cache]
  max_write: 64KiB
  max_readahead: 131072
  time_granularity: 1us
`)

	cfg, err := LoadMountConfig(path)
	require.NoError(t, err)

	require.Equal(t, "scratch", cfg.FSName)
	require.True(t, cfg.AllowOther)
	require.True(t, cfg.DefaultPermissions, "unset fields should keep their defaults")
	require.Equal(t, 8, cfg.Server.Concurrency)
	require.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	require.Equal(t, []string{"async_read", "writeback_cache"}, cfg.Kernel.Capabilities)
	require.Equal(t, ByteSize(64*1024), cfg.Kernel.MaxWrite)
	require.Equal(t, ByteSize(128*1024), cfg.Kernel.MaxReadahead)
	require.Equal(t, time.Microsecond, cfg.Kernel.TimeGranularity)
}

func TestLoadMountConfig_Defaults(t *testing.T) {
	cfg, err := LoadMountConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultMountConfig.FSName, cfg.FSName)
	require.Equal(t, DefaultMountConfig.Server.RequestTimeout, cfg.Server.RequestTimeout)
	require.Empty(t, cfg.Kernel.Capabilities)
}

func TestLoadMountConfig_Environment(t *testing.T) {
	t.Setenv("FINEFS_KERNEL_MAX_BACKGROUND", "32")
	t.Setenv("FINEFS_KERNEL_MAX_WRITE", "1MiB")
	t.Setenv("FINEFS_SERVER_LOG_REQUESTS", "true")

	path := writeConfig(t, "fs_name: env\n")
	cfg, err := LoadMountConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint16(32), cfg.Kernel.MaxBackground)
	require.Equal(t, ByteSize(1<<20), cfg.Kernel.MaxWrite)
	require.True(t, cfg.Server.LogRequests)
}

func TestLoadMountConfig_UnknownKey(t *testing.T) {
	path := writeConfig(t, "fs_nmae: typo\n")
	_, err := LoadMountConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fs_nmae")
}

func TestMountConfig_Validate(t *testing.T) {
	cfg := DefaultMountConfig
	cfg.FSName = ""
	cfg.Kernel = KernelConfig{
		Capabilities:        []string{"async_read", "not_a_flag"},
		MaxWrite:            32 << 20,
		MaxBackground:       4,
		CongestionThreshold: 8,
		TimeGranularity:     2 * time.Second,
	}

	err := cfg.Validate()
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok, "expected a multierror, got %T", err)
	require.Len(t, merr.Errors, 5)

	msg := err.Error()
	require.Contains(t, msg, "FSName")
	require.Contains(t, msg, "initflag")
	require.Contains(t, msg, "MaxWrite")
	require.Contains(t, msg, "TimeGranularity")
	require.Contains(t, msg, "congestion_threshold")
}

func TestMountConfig_WriteYAML(t *testing.T) {
	cfg := DefaultMountConfig
	cfg.Kernel.MaxWrite = 64 * 1024
	cfg.Kernel.Capabilities = []string{"posix_locks"}

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	require.Contains(t, buf.String(), "max_write: 64 KiB")
	require.Contains(t, buf.String(), "request_timeout: 15s")

	// Printed configs can be loaded back.
	loaded, err := LoadMountConfig(writeConfig(t, buf.String()))
	require.NoError(t, err)
	require.Equal(t, cfg, *loaded)
}

func TestKernelConfig_Apply(t *testing.T) {
	t.Run("applies preferences", func(t *testing.T) {
		kc := fine.NewKernelConfig(fine.ProtocolVersion, fine.InitAsyncRead|fine.InitPOSIXLocks, 128*1024, 128*1024)

		err := KernelConfig{
			Capabilities:        []string{"async_read"},
			MaxWrite:            64 * 1024,
			MaxBackground:       32,
			CongestionThreshold: 24,
			TimeGranularity:     time.Microsecond,
		}.Apply(kc)
		require.NoError(t, err)

		settings := kc.Freeze()
		require.Equal(t, fine.InitAsyncRead, settings.Flags())
		require.Equal(t, uint32(64*1024), settings.MaxWrite())
		require.Equal(t, uint16(32), settings.MaxBackground())
		require.Equal(t, uint16(24), settings.CongestionThreshold())
		require.Equal(t, time.Microsecond, settings.TimeGranularity())
	})

	t.Run("reports what couldn't be applied", func(t *testing.T) {
		kc := fine.NewKernelConfig(fine.ProtocolVersion, fine.InitAsyncRead, 128*1024, 128*1024)

		err := KernelConfig{
			Capabilities: []string{"writeback_cache"},
			MaxWrite:     256 * 1024,
			MaxReadahead: 64 * 1024,
		}.Apply(kc)
		require.Error(t, err)
		require.Len(t, err.(*multierror.Error).Errors, 2)
		require.Contains(t, err.Error(), "capabilities")
		require.Contains(t, err.Error(), "max_write")

		// The valid preference still applied.
		require.Equal(t, uint32(64*1024), kc.MaxReadahead())
	})
}
