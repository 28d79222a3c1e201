// Package cache implements C3 of the provman core: the path-indexed
// tree of settings and per-node metadata that backs an active session
// (spec.md §3/§4.3). A node is either an interior directory (children,
// no value) or a leaf (value, no children); the tree is a strict
// parent-indexed arena, never a graph — see spec.md §9.
package cache

import (
	"sort"
	"strings"

	"github.com/provman/provman/errs"
	ppath "github.com/provman/provman/path"
)

type node struct {
	name     string
	parent   *node
	value    *string
	children map[string]*node
	meta     map[string]string
}

func (n *node) isLeaf() bool {
	return n.children == nil
}

// Cache is a tree of settings rooted at "/".
type Cache struct {
	root *node
}

// New returns an empty cache: a lone root directory.
func New() *Cache {
	return &Cache{root: &node{children: map[string]*node{}}}
}

func (c *Cache) find(p string) (*node, error) {
	segs, err := ppath.Split(p)
	if err != nil {
		return nil, err
	}
	cur := c.root
	for _, seg := range segs {
		if cur.children == nil {
			return nil, errs.NotFoundf("path %q not found", p)
		}
		next, ok := cur.children[seg]
		if !ok {
			return nil, errs.NotFoundf("path %q not found", p)
		}
		cur = next
	}
	return cur, nil
}

// Set creates all missing ancestors of path as interior directories
// and stores value at the leaf, replacing any prior value. It fails
// with BadArgs if path is malformed or an existing leaf ancestor
// would have to become an interior directory.
func (c *Cache) Set(path, value string) error {
	segs, err := ppath.Split(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return errs.BadArgsf("cannot set a value at the root")
	}

	cur := c.root
	for _, seg := range segs[:len(segs)-1] {
		if cur.children == nil {
			return errs.BadArgsf("path %q passes through an existing leaf", path)
		}
		next, ok := cur.children[seg]
		if !ok {
			next = &node{name: seg, parent: cur, children: map[string]*node{}}
			cur.children[seg] = next
		}
		cur = next
	}

	if cur.children == nil {
		return errs.BadArgsf("path %q passes through an existing leaf", path)
	}

	// At the leaf position, replace an existing node's value or
	// install a brand new leaf — even if the existing node was a
	// directory, its subtree is discarded, mirroring the original
	// implementation's unconditional overwrite-on-insert.
	last := segs[len(segs)-1]
	v := value
	if existing, ok := cur.children[last]; ok && existing.isLeaf() {
		existing.value = &v
		return nil
	}
	leaf := &node{name: last, parent: cur}
	cur.children[last] = leaf
	leaf.value = &v
	return nil
}

// Get returns the value at path if it is a leaf, or a '/'-joined list
// of its children's names if it is a directory. It fails with
// NotFound if path is absent.
func (c *Cache) Get(path string) (string, error) {
	n, err := c.find(path)
	if err != nil {
		return "", err
	}
	if n.isLeaf() {
		if n.value == nil {
			return "", errs.NotFoundf("path %q not found", path)
		}
		return *n.value, nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "/"), nil
}

// Exists reports whether path is present, and if so whether it is a
// leaf.
func (c *Cache) Exists(path string) (exists bool, isLeaf bool) {
	n, err := c.find(path)
	if err != nil {
		return false, false
	}
	return true, n.isLeaf()
}

// Remove removes the subtree rooted at path, then prunes the longest
// chain of now-childless ancestors. The root is never removed; if the
// last setting in the tree is removed, the root's children map is
// simply emptied.
func (c *Cache) Remove(path string) error {
	target, err := c.find(path)
	if err != nil {
		return err
	}

	n := target
	parent := n.parent
	for parent != nil && len(parent.children) == 1 {
		n = parent
		parent = n.parent
	}

	if parent == nil {
		// n is the root; we deleted the last setting in the tree.
		c.root.children = map[string]*node{}
		return nil
	}
	delete(parent.children, n.name)
	return nil
}

// SetMeta attaches a (property, value) pair to the node at path,
// which must already exist.
func (c *Cache) SetMeta(path, prop, value string) error {
	n, err := c.find(path)
	if err != nil {
		return err
	}
	if n.meta == nil {
		n.meta = map[string]string{}
	}
	n.meta[prop] = value
	return nil
}

// GetMeta returns the value of prop on the node at path.
func (c *Cache) GetMeta(path, prop string) (string, error) {
	n, err := c.find(path)
	if err != nil {
		return "", err
	}
	v, ok := n.meta[prop]
	if !ok {
		return "", errs.NotFoundf("no metadata %q on %q", prop, path)
	}
	return v, nil
}

// GetAll returns every leaf under prefix as a mapping of absolute path
// to value.
func (c *Cache) GetAll(prefix string) (map[string]string, error) {
	n, err := c.find(prefix)
	if err != nil {
		return nil, err
	}
	base := ppath.Normalize(prefix)
	if base == ppath.Root {
		base = ""
	}
	out := map[string]string{}
	visitLeaves(n, base, func(p, v string) {
		out[p] = v
	})
	return out, nil
}

// GetAllMeta returns every (path, property, value) triple under
// prefix. Nodes without metadata contribute nothing.
func (c *Cache) GetAllMeta(prefix string) ([]MetaEntry, error) {
	n, err := c.find(prefix)
	if err != nil {
		return nil, err
	}
	base := ppath.Normalize(prefix)
	if base == ppath.Root {
		base = ""
	}
	var out []MetaEntry
	visitAll(n, base, func(p string, nd *node) {
		if len(nd.meta) == 0 {
			return
		}
		props := make([]string, 0, len(nd.meta))
		for prop := range nd.meta {
			props = append(props, prop)
		}
		sort.Strings(props)
		for _, prop := range props {
			out = append(out, MetaEntry{Path: p, Prop: prop, Value: nd.meta[prop]})
		}
	})
	return out, nil
}

// MetaEntry is one (path, property, value) triple returned by
// GetAllMeta.
type MetaEntry struct {
	Path  string
	Prop  string
	Value string
}

// MergeSettings bulk-inserts a mapping of path to value; later
// duplicate keys overwrite earlier ones (map iteration already
// guarantees each key is set once, so this is simply repeated Set).
func (c *Cache) MergeSettings(settings map[string]string) {
	for p, v := range settings {
		_ = c.Set(p, v)
	}
}

// MergeMeta bulk-inserts metadata; later duplicates overwrite.
// Entries whose path does not yet exist as a cache node are skipped
// (metadata must be tied to an existing node, per spec.md §4.3).
func (c *Cache) MergeMeta(entries []MetaEntry) {
	for _, e := range entries {
		_ = c.SetMeta(e.Path, e.Prop, e.Value)
	}
}

func visitLeaves(n *node, path string, visit func(path, value string)) {
	if n.isLeaf() {
		if n.value != nil {
			visit(path, *n.value)
		}
		return
	}
	for name, child := range n.children {
		visitLeaves(child, path+"/"+name, visit)
	}
}

func visitAll(n *node, path string, visit func(path string, n *node)) {
	visit(path, n)
	for name, child := range n.children {
		visitAll(child, path+"/"+name, visit)
	}
}
