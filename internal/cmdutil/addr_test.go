package cmdutil

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	tt := []struct {
		addr            string
		network, expect string
	}{
		{"127.0.0.1:9095", "tcp", "127.0.0.1:9095"},
		{"tcp://127.0.0.1:9095", "tcp", "127.0.0.1:9095"},
		{"tcp6://[::1]:9095", "tcp6", "[::1]:9095"},
		{"unix:///run/fine.sock", "unix", "/run/fine.sock"},
	}
	for _, tc := range tt {
		t.Run(tc.addr, func(t *testing.T) {
			network, address, err := ParseAddr(tc.addr)
			require.NoError(t, err)
			require.Equal(t, tc.network, network)
			require.Equal(t, tc.expect, address)
		})
	}
}

func TestParseAddr_HomeDir(t *testing.T) {
	network, address, err := ParseAddr("unix://~/fine.sock")
	require.NoError(t, err)
	require.Equal(t, "unix", network)
	require.False(t, strings.HasPrefix(address, "~"), "home directory should be expanded, got %s", address)
	require.Equal(t, "fine.sock", filepath.Base(address))
}

func TestParseAddr_Invalid(t *testing.T) {
	for _, addr := range []string{"udp://127.0.0.1:53", "tcp://", "unix://"} {
		_, _, err := ParseAddr(addr)
		require.Error(t, err, addr)
	}
}

func TestListen(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "fine.sock")

	lis, err := Listen("unix://" + sock)
	require.NoError(t, err)
	defer lis.Close()
	require.Equal(t, sock, lis.Addr().String())

	target, err := DialTarget("unix://" + sock)
	require.NoError(t, err)
	require.Equal(t, "unix://"+sock, target)
}
