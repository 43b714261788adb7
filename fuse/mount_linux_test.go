package fuse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMountOptions(t *testing.T) {
	cfg := mountConfig{options: map[string]string{}}
	for _, opt := range []MountOption{
		FSName(`my,fs`),
		Subtype("fine"),
		AllowOther(),
		ReadOnly(),
	} {
		opt(&cfg)
	}

	require.Equal(t, `allow_other,fsname=my\,fs,ro,subtype=fine`, cfg.getOptions())
}

func TestMountOptions_EscapesBackslashes(t *testing.T) {
	cfg := mountConfig{options: map[string]string{"fsname": `a\b`}}
	require.Equal(t, `fsname=a\\b`, cfg.getOptions())
}
