package server

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
)

type defaultCase struct {
	op        fine.Op
	req       fine.Request
	expect    fine.Response
	expectErr error
	logLevel  string // Expected log level, if any.
}

func TestUnimplementedFilesystem_Defaults(t *testing.T) {
	var (
		enosys = fine.ErrorUnimplemented
		eperm  = fine.ErrorNotPermitted
	)

	runDefaultCases(t, []defaultCase{
		// Operations every filesystem needs warn.
		{op: fine.OpLookup, req: &fine.LookupRequest{Name: "a"}, expectErr: enosys, logLevel: "warn"},
		{op: fine.OpGetattr, req: &fine.GetattrRequest{}, expectErr: enosys, logLevel: "warn"},
		{op: fine.OpRead, req: &fine.ReadRequest{Size: 10}, expectErr: enosys, logLevel: "warn"},
		{op: fine.OpReaddir, req: &fine.ReadRequest{Size: 4096}, expectErr: enosys, logLevel: "warn"},

		{op: fine.OpSetattr, req: &fine.SetattrRequest{UpdateMask: fine.AttribMaskSize}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpReadlink, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpMknod, req: &fine.MknodRequest{Name: "fifo"}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpMkdir, req: &fine.MkdirRequest{Name: "a"}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpUnlink, req: &fine.UnlinkRequest{Name: "a"}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpRmdir, req: &fine.RmdirRequest{Name: "a"}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpRename, req: &fine.RenameRequest{NewDir: fine.RootNode, OldName: "a", NewName: "b"}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpRename2, req: &fine.RenameRequest{NewDir: fine.RootNode, OldName: "a", NewName: "b", Flags: fine.RenameNoReplace}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpWrite, req: &fine.WriteRequest{Data: []byte("x")}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpFlush, req: &fine.FlushRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpFsync, req: &fine.FsyncRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpReaddirplus, req: &fine.ReadRequest{Size: 4096}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpFsyncDir, req: &fine.FsyncRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpSetxattr, req: &fine.SetxattrRequest{Name: "user.a", Value: []byte("v")}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpGetxattr, req: &fine.GetxattrRequest{Name: "user.a"}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpListxattr, req: &fine.ListxattrRequest{Size: 64}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpRemovexattr, req: &fine.RemovexattrRequest{Name: "user.a"}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpAccess, req: &fine.AccessRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpCreate, req: &fine.CreateRequest{Name: "a"}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpGetLock, req: &fine.LockRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpSetLock, req: &fine.LockRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpSetLockWait, req: &fine.LockRequest{Sleep: true}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpBmap, req: &fine.BmapRequest{BlockSize: 512}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpIoctl, req: &fine.IoctlRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpPoll, req: &fine.PollRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpFallocate, req: &fine.FallocateRequest{Length: 10}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpLseek, req: &fine.LseekRequest{}, expectErr: enosys, logLevel: "debug"},
		{op: fine.OpCopyFileRange, req: &fine.CopyFileRangeRequest{Length: 10}, expectErr: enosys, logLevel: "debug"},

		{op: fine.OpSymlink, req: &fine.SymlinkRequest{Source: "a", LinkName: "b"}, expectErr: eperm, logLevel: "debug"},
		{op: fine.OpLink, req: &fine.LinkRequest{OldNode: 2, NewName: "b"}, expectErr: eperm, logLevel: "debug"},

		{op: fine.OpOpen, req: &fine.OpenRequest{}, expect: &fine.OpenedResponse{}},
		{op: fine.OpOpendir, req: &fine.OpenRequest{}, expect: &fine.OpenedResponse{}},
		{op: fine.OpRelease, req: &fine.ReleaseRequest{}},
		{op: fine.OpReleasedir, req: &fine.ReleaseRequest{}},
		{op: fine.OpStatfs, expect: &fine.StatfsResponse{Statfs: fine.Statfs{BlockSize: 512, NameLength: 255}}},
		{op: fine.OpForget, req: &fine.ForgetRequest{NumLookups: 1}},
		{op: fine.OpBatchForget, req: &fine.BatchForgetRequest{Items: []fine.BatchForgetItem{{Node: 2, NumLookups: 1}}}},
	})
}

func TestUnimplementedFilesystem_Lifecycle(t *testing.T) {
	var fs UnimplementedFilesystem

	cfg := fine.NewKernelConfig(fine.ProtocolVersion, fine.InitAsyncRead, 0, fine.DefaultMaxWrite)
	require.NoError(t, fs.Init(context.Background(), &fine.RequestHeader{Op: fine.OpInit}, cfg))
	fs.Destroy(context.Background())
}

func runDefaultCases(t *testing.T, cases []defaultCase) {
	t.Helper()

	for _, tc := range cases {
		t.Run(tc.op.String(), func(t *testing.T) {
			var buf bytes.Buffer
			ctx := WithLogger(context.Background(), log.NewLogfmtLogger(&buf))

			invoke := NewInvoker(UnimplementedSharedFilesystem{})
			resp, err := invoke(ctx, &fine.RequestHeader{Op: tc.op, RequestID: 1, Node: fine.RootNode}, tc.req)
			require.Equal(t, tc.expectErr, err)
			require.Equal(t, tc.expect, resp)

			if tc.logLevel == "" {
				require.Empty(t, buf.String())
			} else {
				require.Contains(t, buf.String(), "level="+tc.logLevel)
			}
		})
	}
}
