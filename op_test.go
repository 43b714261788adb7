package fine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOp_SupportedBy(t *testing.T) {
	require.True(t, OpLookup.SupportedBy(Version{Major: 7, Minor: 6}))
	require.False(t, OpRename2.SupportedBy(Version{Major: 7, Minor: 22}))
	require.True(t, OpRename2.SupportedBy(Version{Major: 7, Minor: 23}))
	require.False(t, OpCopyFileRange.SupportedBy(Version{Major: 7, Minor: 27}))
	require.False(t, OpLookup.SupportedBy(Version{Major: 8, Minor: 0}))
}

func TestOp_String(t *testing.T) {
	require.Equal(t, "READDIRPLUS", OpReaddirplus.String())
	require.Equal(t, "OP_9999", Op(9999).String())
}

func TestInitFlags(t *testing.T) {
	require.Equal(t, "async_read|big_writes", (InitAsyncRead | InitBigWrites).String())

	flags, err := ParseInitFlags([]string{"FUSE_ASYNC_READ", "posix_locks"})
	require.NoError(t, err)
	require.Equal(t, InitAsyncRead|InitPOSIXLocks, flags)

	_, err = ParseInitFlags([]string{"bogus"})
	require.Error(t, err)
}
