// Package cache implements a reference-counted cache of nodes and handles
// for filesystems which expose an existing hierarchy, such as a host
// directory. Nodes are keyed by their parent and name so the full path of a
// node can be rebuilt at any time.
package cache

import (
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/fine"
	"go.uber.org/atomic"
)

// Cache implements a cache of nodes and handles that a filesystem can use.
// Cache is safe for concurrent use.
type Cache struct {
	log log.Logger

	mut        sync.RWMutex
	nodes      map[fine.Node]*cachedNode
	nodeKeys   map[Key]*cachedNode
	nextID     uint64
	generation uint64

	handleMut    sync.RWMutex
	handles      map[fine.Handle]*cachedHandle
	availHandles []fine.Handle
	nextHandle   fine.Handle

	// Number of nodes and handles currently cached.
	numNodes, numHandles atomic.Int64
}

type cachedNode struct {
	Node Node
	Info NodeInfo

	// refs is the kernel's lookup count. It is only modified while mut is
	// held.
	refs uint64
}

type cachedHandle struct {
	Handle Handle
	Info   HandleInfo
}

// Node is a cached node.
type Node interface {
	// Close is called when the Node is fully removed from the cache.
	Close() error
}

// Handle is a cached handle.
type Handle interface {
	// Close is called when the Handle is fully removed from the cache.
	Close() error
}

// NodeInfo describes a cached Node.
type NodeInfo struct {
	ID         fine.Node // ID of the Node
	Generation uint64    // Generation of the ID
	Key        Key       // Key used to identify the node
}

// Key identifies a node by its location.
type Key struct {
	Parent fine.Node
	Name   string
}

// HandleInfo describes a cached Handle.
type HandleInfo struct {
	ID fine.Handle
}

// New creates a new cache, pre-populated with a root node.
func New(l log.Logger, rootNode Node) *Cache {
	if l == nil {
		l = log.NewNopLogger()
	}
	c := &Cache{
		log: l,

		nodes:    make(map[fine.Node]*cachedNode),
		nodeKeys: make(map[Key]*cachedNode),
		handles:  make(map[fine.Handle]*cachedHandle),
	}

	_, err := c.AddNode(0, "/", rootNode)
	if err != nil {
		panic(err)
	}
	return c
}

// AddNode stores a new node. If the named node already exists, node is
// ignored and the lookup count of the existing node increases instead.
func (c *Cache) AddNode(parent fine.Node, name string, node Node) (NodeInfo, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	key := Key{Parent: parent, Name: name}
	if n, found := c.nodeKeys[key]; found {
		n.refs++
		return n.Info, nil
	}
	if _, exist := c.nodes[parent]; parent != 0 && !exist {
		return NodeInfo{}, fmt.Errorf("could not find parent node %d: %w", parent, fine.ErrorStale)
	}

	id, gen, err := c.allocNodeID()
	if err != nil {
		return NodeInfo{}, err
	}
	n := &cachedNode{
		Node: node,
		Info: NodeInfo{ID: id, Generation: gen, Key: key},
		refs: 1,
	}
	c.nodes[id] = n
	c.nodeKeys[key] = n
	c.numNodes.Inc()
	return n.Info, nil
}

// allocNodeID returns the next unused node ID. When the ID space wraps, IDs
// restart at 1 under a new generation so (ID, generation) stays unique. mut
// must be held.
func (c *Cache) allocNodeID() (fine.Node, uint64, error) {
	for {
		if c.nextID == math.MaxUint64 {
			if c.generation == math.MaxUint64 {
				return 0, 0, fmt.Errorf("exhausted node ID space: %w", fine.ErrorNoMemory)
			}
			c.generation++
			c.nextID = 0
		}
		c.nextID++
		if _, used := c.nodes[fine.Node(c.nextID)]; !used {
			return fine.Node(c.nextID), c.generation, nil
		}
	}
}

// RenameNode moves the cached node oldName in parent to newName in newDir.
// If exchange is true, the node at the destination (if cached) is moved to
// the source location. Returns ErrorNotExist if the source node isn't
// currently cached.
func (c *Cache) RenameNode(parent fine.Node, oldName string, newDir fine.Node, newName string, exchange bool) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	var (
		sourceKey = Key{Parent: parent, Name: oldName}
		targetKey = Key{Parent: newDir, Name: newName}
	)

	if _, newParentExist := c.nodes[newDir]; !newParentExist {
		return fmt.Errorf("target directory %d does not exist: %w", newDir, fine.ErrorStale)
	}

	sourceNode, found := c.nodeKeys[sourceKey]
	if !found {
		return fmt.Errorf("source file %s does not exist: %w", oldName, fine.ErrorNotExist)
	}
	targetNode := c.nodeKeys[targetKey]

	sourceNode.Info.Key = targetKey
	c.nodeKeys[targetKey] = sourceNode

	if exchange && targetNode != nil {
		targetNode.Info.Key = sourceKey
		c.nodeKeys[sourceKey] = targetNode
	} else {
		// A replaced target stays reachable by ID until the kernel forgets it,
		// but can no longer be found by name.
		if targetNode != nil {
			targetNode.Info.Key = Key{}
		}
		delete(c.nodeKeys, sourceKey)
	}
	return nil
}

// ReleaseNode releases a node. refs are subtracted from the total reference
// count, and the node will be fully removed once refs decreases to 0.
func (c *Cache) ReleaseNode(id fine.Node, refs uint64) error {
	n, removed, err := c.releaseNode(id, refs)
	if err != nil || !removed {
		return err
	}

	// The node is closed after the lock is released so the lock isn't held for
	// longer than it needs to be.
	if n.Node != nil {
		if err := n.Node.Close(); err != nil {
			level.Error(c.log).Log("msg", "error when closing stale cache node", "id", id, "err", err)
		}
	}
	return nil
}

func (c *Cache) releaseNode(id fine.Node, refs uint64) (n *cachedNode, removed bool, err error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	n, ok := c.nodes[id]
	if !ok {
		return nil, false, fine.ErrorStale
	}
	if refs < n.refs {
		n.refs -= refs
		return n, false, nil
	}

	delete(c.nodes, id)
	c.numNodes.Dec()

	// Only delete the key if it hasn't been overridden by something like a
	// rename.
	if found := c.nodeKeys[n.Info.Key]; found == n {
		delete(c.nodeKeys, n.Info.Key)
	}
	return n, true, nil
}

// GetNode returns the node for ID.
func (c *Cache) GetNode(id fine.Node) (NodeInfo, Node, error) {
	c.mut.RLock()
	defer c.mut.RUnlock()

	n, ok := c.nodes[id]
	if !ok {
		return NodeInfo{}, nil, fine.ErrorStale
	}
	return n.Info, n.Node, nil
}

// GetHandle returns the Handle for a Handle ID.
func (c *Cache) GetHandle(id fine.Handle) (HandleInfo, Handle, error) {
	c.handleMut.RLock()
	defer c.handleMut.RUnlock()

	h, ok := c.handles[id]
	if !ok {
		return HandleInfo{}, nil, fine.ErrorBadHandle
	}
	return h.Info, h.Handle, nil
}

// NodePath returns the path of a node, starting with the name of the root
// node.
func (c *Cache) NodePath(id fine.Node) (string, error) {
	c.mut.RLock()
	defer c.mut.RUnlock()

	n, ok := c.nodes[id]
	if !ok {
		return "", fine.ErrorStale
	}

	// Walk up to the root, collecting names leaf first.
	var names []string
	for n.Info.Key.Parent != 0 {
		if n.Info.Key == (Key{}) {
			return "", fmt.Errorf("node %d was replaced: %w", n.Info.ID, fine.ErrorStale)
		}
		names = append(names, n.Info.Key.Name)

		parent, ok := c.nodes[n.Info.Key.Parent]
		if !ok {
			return "", fmt.Errorf("could not find parent %d: %w", n.Info.Key.Parent, fine.ErrorStale)
		}
		n = parent
	}
	names = append(names, n.Info.Key.Name)
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return filepath.Join(names...), nil
}

// AddHandle stores a new handle. Released handle IDs are reused before new
// ones are allocated.
func (c *Cache) AddHandle(handle Handle) (HandleInfo, error) {
	c.handleMut.Lock()
	defer c.handleMut.Unlock()

	var id fine.Handle
	switch free := len(c.availHandles); {
	case free > 0:
		id = c.availHandles[free-1]
		c.availHandles = c.availHandles[:free-1]
	case c.nextHandle == math.MaxUint64:
		// Exhausted until existing handles are released.
		return HandleInfo{}, fine.ErrorNoMemory
	default:
		c.nextHandle++
		id = c.nextHandle
	}

	h := &cachedHandle{Handle: handle, Info: HandleInfo{ID: id}}
	c.handles[id] = h
	c.numHandles.Inc()
	return h.Info, nil
}

// ReleaseHandle releases an existing handle. The error from closing the
// handle is returned.
func (c *Cache) ReleaseHandle(id fine.Handle) error {
	h, err := c.removeHandle(id)
	if err != nil {
		return err
	}
	if h.Handle == nil {
		return nil
	}
	return h.Handle.Close()
}

func (c *Cache) removeHandle(id fine.Handle) (*cachedHandle, error) {
	c.handleMut.Lock()
	defer c.handleMut.Unlock()

	h, ok := c.handles[id]
	if !ok {
		return nil, fine.ErrorBadHandle
	}

	delete(c.handles, id)
	c.availHandles = append(c.availHandles, id)
	c.numHandles.Dec()
	return h, nil
}

// Stats returns the number of cached nodes and handles.
func (c *Cache) Stats() (nodes, handles int64) {
	return c.numNodes.Load(), c.numHandles.Load()
}

// Close releases every handle and every node other than the root. Errors
// from closing are combined.
func (c *Cache) Close() error {
	c.handleMut.Lock()
	handles := c.handles
	c.handles = make(map[fine.Handle]*cachedHandle)
	c.availHandles = nil
	c.nextHandle = 0
	c.numHandles.Store(0)
	c.handleMut.Unlock()

	c.mut.Lock()
	var nodes []*cachedNode
	for id, n := range c.nodes {
		if n.Info.Key.Parent == 0 {
			continue
		}
		nodes = append(nodes, n)
		delete(c.nodes, id)
		delete(c.nodeKeys, n.Info.Key)
	}
	c.numNodes.Store(int64(len(c.nodes)))
	c.mut.Unlock()

	var errs error
	for _, h := range handles {
		if h.Handle == nil {
			continue
		}
		if err := h.Handle.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing handle %d: %w", h.Info.ID, err))
		}
	}
	for _, n := range nodes {
		if n.Node == nil {
			continue
		}
		if err := n.Node.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing node %d: %w", n.Info.ID, err))
		}
	}
	return errs
}
