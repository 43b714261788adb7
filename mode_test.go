package fine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModeConversion(t *testing.T) {
	tt := []struct {
		name string
		unix uint32
		mode os.FileMode
	}{
		{"regular", 0100644, 0644},
		{"directory", 0040755, os.ModeDir | 0755},
		{"symlink", 0120777, os.ModeSymlink | 0777},
		{"char device", 0020600, os.ModeDevice | os.ModeCharDevice | 0600},
		{"block device", 0060660, os.ModeDevice | 0660},
		{"fifo", 0010600, os.ModeNamedPipe | 0600},
		{"socket", 0140755, os.ModeSocket | 0755},
		{"setuid", 0104755, os.ModeSetuid | 0755},
		{"sticky dir", 0041777, os.ModeDir | os.ModeSticky | 0777},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.mode, ModeFromUnix(tc.unix))
			require.Equal(t, tc.unix, ModeToUnix(tc.mode))
		})
	}
}

func TestPermFromUnix(t *testing.T) {
	require.Equal(t, os.FileMode(0022), PermFromUnix(0022))
	require.Equal(t, os.FileMode(0755), PermFromUnix(0100755))
}
