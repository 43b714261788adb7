package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
)

func TestPassthrough(t *testing.T) {
	root := t.TempDir()

	fs := Passthrough(log.NewNopLogger(), root)
	cfg := fine.NewKernelConfig(fine.ProtocolVersion, fine.InitAsyncRead|fine.InitAtomicTruncate, 128*1024, 128*1024)
	require.NoError(t, fs.Init(context.Background(), &fine.RequestHeader{Op: fine.OpInit}, cfg))
	require.NotZero(t, cfg.Freeze().Flags()&fine.InitAtomicTruncate)
	t.Cleanup(func() { fs.Destroy(context.Background()) })

	invoke := NewInvoker(fs)
	var nextID uint64
	call := func(op fine.Op, node fine.Node, req fine.Request) (fine.Response, error) {
		nextID++
		return invoke(context.Background(), &fine.RequestHeader{Op: op, RequestID: nextID, Node: node}, req)
	}

	// Create and write a file.
	resp, err := call(fine.OpCreate, fine.RootNode, &fine.CreateRequest{
		Flags: fine.OpenReadWrite,
		Mode:  0644,
		Name:  "hello.txt",
	})
	require.NoError(t, err)
	created := resp.(*fine.CreateResponse)
	fileNode := created.Entry.Node

	resp, err = call(fine.OpWrite, fileNode, &fine.WriteRequest{Handle: created.Handle, Data: []byte("hello world")})
	require.NoError(t, err)
	require.Equal(t, uint32(11), resp.(*fine.WriteResponse).Written)

	resp, err = call(fine.OpRead, fileNode, &fine.ReadRequest{Handle: created.Handle, Offset: 6, Size: 64})
	require.NoError(t, err)
	require.Equal(t, []byte("world"), resp.(*fine.ReadResponse).Data)

	_, err = call(fine.OpRelease, fileNode, &fine.ReleaseRequest{Handle: created.Handle})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))

	// Lookup reports the written size.
	resp, err = call(fine.OpLookup, fine.RootNode, &fine.LookupRequest{Name: "hello.txt"})
	require.NoError(t, err)
	require.Equal(t, uint64(11), resp.(*fine.EntryResponse).Entry.Attrib.Size)

	resp, err = call(fine.OpMkdir, fine.RootNode, &fine.MkdirRequest{Name: "sub", Mode: 0755})
	require.NoError(t, err)
	dirEntry := resp.(*fine.EntryResponse).Entry
	require.True(t, dirEntry.Attrib.Mode.IsDir())

	// Directory listing.
	resp, err = call(fine.OpOpendir, fine.RootNode, &fine.OpenRequest{})
	require.NoError(t, err)
	dirHandle := resp.(*fine.OpenedResponse).Handle

	resp, err = call(fine.OpReaddir, fine.RootNode, &fine.ReadRequest{Handle: dirHandle, Size: 4096})
	require.NoError(t, err)
	ents := resp.(*fine.ReaddirResponse).Entries
	require.Len(t, ents, 2)
	require.Equal(t, "hello.txt", ents[0].Name)
	require.Equal(t, uint64(1), ents[0].Offset)
	require.Equal(t, "sub", ents[1].Name)
	require.Equal(t, fine.EntryDirectory, ents[1].Type)

	// Continuing from the last offset reaches the end.
	resp, err = call(fine.OpReaddir, fine.RootNode, &fine.ReadRequest{Handle: dirHandle, Offset: ents[1].Offset, Size: 4096})
	require.NoError(t, err)
	require.Empty(t, resp.(*fine.ReaddirResponse).Entries)

	_, err = call(fine.OpReleasedir, fine.RootNode, &fine.ReleaseRequest{Handle: dirHandle})
	require.NoError(t, err)

	// Rename into the subdirectory, then remove it.
	_, err = call(fine.OpRename, fine.RootNode, &fine.RenameRequest{NewDir: dirEntry.Node, OldName: "hello.txt", NewName: "moved.txt"})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(root, "sub", "moved.txt"))

	_, err = call(fine.OpUnlink, dirEntry.Node, &fine.UnlinkRequest{Name: "moved.txt"})
	require.NoError(t, err)

	_, err = call(fine.OpLookup, fine.RootNode, &fine.LookupRequest{Name: "hello.txt"})
	require.Equal(t, fine.ErrorNotExist, errorForResponse(err))
}

func TestPassthrough_RenameNoReplace(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("b"), 0644))

	fs := Passthrough(nil, root)
	cfg := fine.NewKernelConfig(fine.ProtocolVersion, 0, 0, 0)
	require.NoError(t, fs.Init(context.Background(), &fine.RequestHeader{Op: fine.OpInit}, cfg))
	cfg.Freeze()
	t.Cleanup(func() { fs.Destroy(context.Background()) })

	_, err := NewInvoker(fs)(context.Background(), &fine.RequestHeader{Op: fine.OpRename2, RequestID: 1, Node: fine.RootNode}, &fine.RenameRequest{
		NewDir:  fine.RootNode,
		OldName: "a",
		NewName: "b",
		Flags:   fine.RenameNoReplace,
	})
	require.Equal(t, fine.ErrorExists, errorForResponse(err))

	content, err := os.ReadFile(filepath.Join(root, "b"))
	require.NoError(t, err)
	require.Equal(t, "b", string(content))
}
