package cache

import (
	"errors"
	"math"
	"testing"

	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
)

type testNode struct{ closed int }

func (n *testNode) Close() error {
	n.closed++
	return nil
}

type failingHandle struct{}

func (failingHandle) Close() error { return errors.New("close failed") }

func TestCache_Nodes(t *testing.T) {
	c := New(nil, &testNode{})

	dir := &testNode{}
	dirInfo, err := c.AddNode(fine.RootNode, "dir", dir)
	require.NoError(t, err)

	file := &testNode{}
	fileInfo, err := c.AddNode(dirInfo.ID, "file.txt", file)
	require.NoError(t, err)

	path, err := c.NodePath(fileInfo.ID)
	require.NoError(t, err)
	require.Equal(t, "/dir/file.txt", path)

	// A second lookup increases the refcount instead of adding a node.
	again, err := c.AddNode(dirInfo.ID, "file.txt", &testNode{})
	require.NoError(t, err)
	require.Equal(t, fileInfo.ID, again.ID)

	require.NoError(t, c.ReleaseNode(fileInfo.ID, 1))
	require.Equal(t, 0, file.closed, "node must stay open while referenced")

	require.NoError(t, c.ReleaseNode(fileInfo.ID, 1))
	require.Equal(t, 1, file.closed)

	_, _, err = c.GetNode(fileInfo.ID)
	require.Equal(t, fine.ErrorStale, err)
}

func TestCache_ReleaseNode_Overflow(t *testing.T) {
	c := New(nil, &testNode{})
	n := &testNode{}
	info, err := c.AddNode(fine.RootNode, "a", n)
	require.NoError(t, err)

	require.NoError(t, c.ReleaseNode(info.ID, 100))
	require.Equal(t, 1, n.closed)
}

func TestCache_AddNode_MissingParent(t *testing.T) {
	c := New(nil, &testNode{})
	_, err := c.AddNode(fine.Node(42), "a", &testNode{})
	require.True(t, errors.Is(err, fine.ErrorStale))
}

func TestCache_RenameNode(t *testing.T) {
	c := New(nil, &testNode{})
	a, err := c.AddNode(fine.RootNode, "a", &testNode{})
	require.NoError(t, err)
	dir, err := c.AddNode(fine.RootNode, "dir", &testNode{})
	require.NoError(t, err)

	require.NoError(t, c.RenameNode(fine.RootNode, "a", dir.ID, "b", false))

	path, err := c.NodePath(a.ID)
	require.NoError(t, err)
	require.Equal(t, "/dir/b", path)

	err = c.RenameNode(fine.RootNode, "a", dir.ID, "c", false)
	require.True(t, errors.Is(err, fine.ErrorNotExist))
}

func TestCache_RenameNode_Exchange(t *testing.T) {
	c := New(nil, &testNode{})
	a, err := c.AddNode(fine.RootNode, "a", &testNode{})
	require.NoError(t, err)
	b, err := c.AddNode(fine.RootNode, "b", &testNode{})
	require.NoError(t, err)

	require.NoError(t, c.RenameNode(fine.RootNode, "a", fine.RootNode, "b", true))

	pathA, err := c.NodePath(a.ID)
	require.NoError(t, err)
	require.Equal(t, "/b", pathA)

	pathB, err := c.NodePath(b.ID)
	require.NoError(t, err)
	require.Equal(t, "/a", pathB)
}

func TestCache_RenameNode_Replace(t *testing.T) {
	c := New(nil, &testNode{})
	_, err := c.AddNode(fine.RootNode, "a", &testNode{})
	require.NoError(t, err)
	b, err := c.AddNode(fine.RootNode, "b", &testNode{})
	require.NoError(t, err)

	require.NoError(t, c.RenameNode(fine.RootNode, "a", fine.RootNode, "b", false))

	_, err = c.NodePath(b.ID)
	require.True(t, errors.Is(err, fine.ErrorStale), "replaced node should be stale")
}

func TestCache_Handles(t *testing.T) {
	c := New(nil, &testNode{})

	h1, err := c.AddHandle(&testNode{})
	require.NoError(t, err)
	h2, err := c.AddHandle(&testNode{})
	require.NoError(t, err)
	require.NotEqual(t, h1.ID, h2.ID)

	_, handles := c.Stats()
	require.Equal(t, int64(2), handles)

	require.NoError(t, c.ReleaseHandle(h1.ID))
	require.Equal(t, fine.ErrorBadHandle, c.ReleaseHandle(h1.ID))

	// Released IDs are reused.
	h3, err := c.AddHandle(&testNode{})
	require.NoError(t, err)
	require.Equal(t, h1.ID, h3.ID)
}

func TestCache_Close(t *testing.T) {
	root := &testNode{}
	c := New(nil, root)

	n := &testNode{}
	_, err := c.AddNode(fine.RootNode, "a", n)
	require.NoError(t, err)
	_, err = c.AddHandle(failingHandle{})
	require.NoError(t, err)

	err = c.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "close failed")
	require.Equal(t, 1, n.closed)
	require.Equal(t, 0, root.closed)

	nodes, handles := c.Stats()
	require.Equal(t, int64(1), nodes)
	require.Zero(t, handles)
}

func TestCache_NodeIDWraps(t *testing.T) {
	c := New(nil, &testNode{})
	c.nextID = math.MaxUint64 - 1

	last, err := c.AddNode(fine.RootNode, "last", &testNode{})
	require.NoError(t, err)
	require.Equal(t, fine.Node(math.MaxUint64), last.ID)
	require.Equal(t, uint64(0), last.Generation)

	wrapped, err := c.AddNode(fine.RootNode, "wrapped", &testNode{})
	require.NoError(t, err)
	require.Equal(t, fine.Node(2), wrapped.ID, "root keeps ID 1")
	require.Equal(t, uint64(1), wrapped.Generation)
}
