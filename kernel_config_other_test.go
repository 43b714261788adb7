//go:build !darwin

package fine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultInitFlags(t *testing.T) {
	all := InitAsyncRead | InitBigWrites | InitMaxPages

	require.Equal(t, InitAsyncRead, defaultInitFlags(Version{Major: 7, Minor: 8}, all))
	require.Equal(t, InitAsyncRead|InitBigWrites, defaultInitFlags(Version{Major: 7, Minor: 27}, all))
	require.Equal(t, all, defaultInitFlags(Version{Major: 7, Minor: 28}, all))
	require.Equal(t, InitAsyncRead|InitBigWrites, defaultInitFlags(Version{Major: 7, Minor: 31}, InitAsyncRead))
}
