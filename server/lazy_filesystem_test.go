package server

import (
	"context"
	"testing"

	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
)

func TestLazyFilesystem(t *testing.T) {
	var lf LazyFilesystem

	cfg := fine.NewKernelConfig(fine.ProtocolVersion, fine.InitAsyncRead|fine.InitBigWrites, 128*1024, 128*1024)
	require.NoError(t, lf.Init(context.Background(), &fine.RequestHeader{Op: fine.OpInit}, cfg))
	settings := cfg.Freeze()

	invoke := NewInvoker(&lf)
	lookup := func() (fine.Response, error) {
		return invoke(context.Background(), &fine.RequestHeader{Op: fine.OpLookup, RequestID: 2, Node: fine.RootNode}, &fine.LookupRequest{Name: "a"})
	}

	_, err := lookup()
	require.Equal(t, fine.ErrorNotExist, err, "requests without a filesystem should fail")

	var lateCfg *fine.KernelConfig
	fs := &hookFS{
		init: func(cfg *fine.KernelConfig) error {
			lateCfg = cfg
			return nil
		},
		lookup: func(_ context.Context, _ *fine.LookupRequest, reply fine.ReplyEntry) {
			reply.Entry(fine.Entry{Node: 2})
		},
	}
	require.NoError(t, lf.SetFilesystem(context.Background(), NewFilesystemAdapter(fs)))

	require.NotNil(t, lateCfg, "filesystem set after init should be initialized")
	require.Equal(t, settings.Version(), lateCfg.Version())
	require.Equal(t, settings.Flags(), lateCfg.Capabilities())
	require.Equal(t, settings.MaxWrite(), lateCfg.MaxWrite())

	resp, err := lookup()
	require.NoError(t, err)
	require.Equal(t, fine.Node(2), resp.(*fine.EntryResponse).Entry.Node)

	lf.Destroy(context.Background())
	require.Equal(t, int32(1), fs.destroyed.Load())

	_, err = lookup()
	require.Equal(t, fine.ErrorIO, err)
	require.Error(t, lf.SetFilesystem(context.Background(), NewFilesystemAdapter(&hookFS{})))
}

func TestLazyFilesystem_InitForwarded(t *testing.T) {
	var lf LazyFilesystem

	var initialized bool
	fs := &hookFS{
		init: func(cfg *fine.KernelConfig) error {
			initialized = true
			_, err := cfg.SetMaxWrite(4096)
			return err
		},
	}
	require.NoError(t, lf.SetFilesystem(context.Background(), NewFilesystemAdapter(fs)))
	require.False(t, initialized)

	cfg := fine.NewKernelConfig(fine.ProtocolVersion, 0, 0, 128*1024)
	require.NoError(t, lf.Init(context.Background(), &fine.RequestHeader{Op: fine.OpInit}, cfg))
	require.True(t, initialized)
	require.Equal(t, uint32(4096), cfg.Freeze().MaxWrite())
}
