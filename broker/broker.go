// Package broker implements C6 of the provman core: the Plugin
// Manager. It owns the session lifecycle, lazily syncs plugins in on
// first access, validates every mutation against the owning plugin's
// schema, and drives sync-out at End (spec.md §4.6). It is the
// busiest component in the system and the one every other package
// ultimately serves.
package broker

import (
	"context"
	"log/slog"
	"sort"

	"github.com/provman/provman/cache"
	"github.com/provman/provman/errs"
	ppath "github.com/provman/provman/path"
	"github.com/provman/provman/plugin"
	"github.com/provman/provman/schema"
)

// Phase is the manager's position in the session state machine
// (spec.md §4.6.1: Idle -> SyncIn -> Active -> SyncOut -> Idle).
type Phase int

const (
	Idle Phase = iota
	SyncIn
	Active
	SyncOut
)

// metaOpener loads a plugin's metadata store on first access within a
// session; abstracted so tests can swap in an in-memory opener
// instead of touching disk.
type metaOpener func(pluginName, imsi string) MetadataStore

// MetadataStore is the subset of metadata.Store the manager depends
// on, so tests can substitute a fake without touching disk.
type MetadataStore interface {
	Snapshot() map[string]map[string]string
	Update(next map[string]map[string]string)
}

// Manager is the Plugin Manager (C6): one per broker process,
// constructed once at startup from a fixed, validated plugin roster.
type Manager struct {
	registry *plugin.Registry
	schemas  map[string]*schema.Tree // by plugin name
	capsByRoot map[string]plugin.Capability
	openMeta metaOpener
	log      *slog.Logger

	cache      *cache.Cache
	metaStores map[string]MetadataStore // by plugin name, opened lazily this session
	synced     map[string]bool
	syncFailed map[string]error
	imsi       string
	phase      Phase
}

// New parses every registered plugin's schema and returns a Manager
// ready to accept Start. openMeta is called at most once per plugin
// per session, the first time that plugin is synced in.
func New(registry *plugin.Registry, openMeta func(pluginName, imsi string) MetadataStore, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	m := &Manager{
		registry:   registry,
		schemas:    map[string]*schema.Tree{},
		capsByRoot: map[string]plugin.Capability{},
		openMeta:   openMeta,
		log:        log,
		cache:      cache.New(),
		metaStores: map[string]MetadataStore{},
		synced:     map[string]bool{},
		syncFailed: map[string]error{},
		phase:      Idle,
	}
	for _, c := range registry.All() {
		tree, err := schema.Parse(c.Schema())
		if err != nil {
			return nil, errs.Wrap(errs.Corrupt, "plugin "+c.Name()+" schema", err)
		}
		m.schemas[c.Name()] = tree
		m.capsByRoot[c.Root()] = c
	}
	return m, nil
}

// Phase reports the manager's current session-state machine position.
func (m *Manager) Phase() Phase { return m.phase }

// Start begins a new session for imsi (possibly empty). Callers are
// expected to have already won exclusive session ownership via
// queue.Gate; Start only validates the manager's own state machine.
func (m *Manager) Start(imsi string) error {
	if m.phase != Idle {
		return errs.Unexpectedf("a session is already active")
	}
	m.imsi = imsi
	m.cache = cache.New()
	m.synced = map[string]bool{}
	m.syncFailed = map[string]error{}
	m.metaStores = map[string]MetadataStore{}
	m.phase = Active
	return nil
}

// End syncs every dirty plugin out, writes its metadata, then returns
// to Idle (spec.md §4.6.3).
func (m *Manager) End(ctx context.Context) error {
	if m.phase != Active {
		return errs.Unexpectedf("no active session to end")
	}
	m.phase = SyncOut

	for _, c := range m.registry.All() {
		name := c.Name()
		if !m.synced[name] {
			continue
		}
		settings, _ := m.cache.GetAll(c.Root())
		if err := c.SyncOut(ctx, settings); err != nil {
			if errs.OfKind(err, errs.Cancelled) {
				m.clearSession()
				return err
			}
			m.log.Warn("plugin sync-out failed", "plugin", name, "error", err)
		}
		if md, ok := m.metaStores[name]; ok {
			entries, _ := m.cache.GetAllMeta(c.Root())
			md.Update(metaEntriesToSnapshot(entries))
		}
	}

	m.clearSession()
	return nil
}

// Abort discards the session's cache without contacting any plugin
// for sync-out, calling every plugin's optional Abort hook so it may
// drop per-session state (spec.md §4.6.1, §9 supplemented feature).
// Within an active session it never fails; outside one it returns
// Unexpected.
func (m *Manager) Abort(ctx context.Context) error {
	if m.phase != Active {
		return errs.Unexpectedf("no active session to abort")
	}
	for _, c := range m.registry.All() {
		if aborter, ok := c.(plugin.Aborter); ok {
			aborter.Abort(ctx)
		}
	}
	m.clearSession()
	return nil
}

func (m *Manager) clearSession() {
	m.cache = cache.New()
	m.synced = map[string]bool{}
	m.syncFailed = map[string]error{}
	m.metaStores = map[string]MetadataStore{}
	m.imsi = ""
	m.phase = Idle
}

// pluginsFor returns the capability that owns path, or — for a path
// not owned by any single plugin, such as an inferred interior
// directory like "/applications" — every capability whose root lies
// beneath it (provman_plugin_find_plugins in the original).
func (m *Manager) pluginsFor(path string) []plugin.Capability {
	if owner, err := m.registry.OwnerOf(path); err == nil {
		return []plugin.Capability{owner}
	}
	var caps []plugin.Capability
	for _, root := range m.registry.DescendantRoots(path) {
		if c, ok := m.capsByRoot[root]; ok {
			caps = append(caps, c)
		}
	}
	return caps
}

// ensureSynced lazily syncs c in for the current session if it has
// not already been synced (or permanently failed) this session
// (spec.md §4.6.2).
func (m *Manager) ensureSynced(ctx context.Context, c plugin.Capability) error {
	name := c.Name()
	if err, failed := m.syncFailed[name]; failed {
		return err
	}
	if m.synced[name] {
		return nil
	}

	m.phase = SyncIn
	settings, err := c.SyncIn(ctx, m.imsi)
	if err != nil {
		if errs.OfKind(err, errs.Cancelled) {
			m.clearSession()
			return err
		}
		m.log.Warn("plugin sync-in failed", "plugin", name, "error", err)
		wrapped := err
		if !errs.OfKind(err, errs.NotFound) && !errs.OfKind(err, errs.Unknown) {
			wrapped = errs.Wrap(errs.Unknown, "plugin "+name+" sync-in failed", err)
		}
		m.syncFailed[name] = wrapped
		m.phase = Active
		return wrapped
	}

	md := m.metaStoreFor(c)
	m.cache.MergeSettings(settings)
	m.cache.MergeMeta(snapshotToMetaEntries(md.Snapshot()))
	m.synced[name] = true
	m.phase = Active
	return nil
}

func (m *Manager) metaStoreFor(c plugin.Capability) MetadataStore {
	name := c.Name()
	if md, ok := m.metaStores[name]; ok {
		return md
	}
	imsi := m.imsi
	if simIDer, ok := c.(plugin.SimIDer); ok {
		if id := simIDer.SimID(); id != "" {
			imsi = id
		}
	}
	md := m.openMeta(name, imsi)
	m.metaStores[name] = md
	return md
}

func snapshotToMetaEntries(snap map[string]map[string]string) []cache.MetaEntry {
	var out []cache.MetaEntry
	for path, props := range snap {
		for prop, value := range props {
			out = append(out, cache.MetaEntry{Path: path, Prop: prop, Value: value})
		}
	}
	return out
}

func metaEntriesToSnapshot(entries []cache.MetaEntry) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, e := range entries {
		props, ok := out[e.Path]
		if !ok {
			props = map[string]string{}
			out[e.Path] = props
		}
		props[e.Prop] = e.Value
	}
	return out
}

// requireActive is the shared precondition check for every op that
// the contract table restricts to session Active.
func (m *Manager) requireActive() error {
	if m.phase != Active {
		return errs.Unexpectedf("no active session")
	}
	return nil
}

// Set validates value against path's schema, lazily syncing in the
// owning plugin, then writes the cache.
func (m *Manager) Set(ctx context.Context, path, value string) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	if err := ppath.Validate(path); err != nil {
		return err
	}
	owner, err := m.registry.OwnerOf(path)
	if err != nil {
		return err
	}
	if err := m.ensureSynced(ctx, owner); err != nil {
		return err
	}
	node, err := m.schemas[owner.Name()].Locate(path)
	if err != nil {
		return err
	}
	if err := node.Check(value); err != nil {
		return err
	}
	return m.cache.Set(path, value)
}

// SetMultiple applies every (path, value) pair best-effort, returning
// the subset of paths that failed. A failing entry never stops the
// rest; only a cancelled sync-in ends the call early, with Cancelled.
func (m *Manager) SetMultiple(ctx context.Context, settings map[string]string) ([]string, error) {
	if err := m.requireActive(); err != nil {
		return nil, err
	}
	var failed []string
	for path, value := range settings {
		if err := m.Set(ctx, path, value); err != nil {
			if errs.OfKind(err, errs.Cancelled) {
				return nil, err
			}
			failed = append(failed, path)
		}
	}
	sort.Strings(failed)
	return failed, nil
}

// Get returns the value at path, or a directory's children.
func (m *Manager) Get(ctx context.Context, path string) (string, error) {
	if err := m.requireActive(); err != nil {
		return "", err
	}
	if err := ppath.Validate(path); err != nil {
		return "", err
	}
	caps := m.pluginsFor(path)
	if len(caps) == 0 && ppath.Normalize(path) != ppath.Root && !m.registry.ExistsInferred(path) {
		return "", errs.NotFoundf("path %q not found", path)
	}
	for _, c := range caps {
		if err := m.ensureSynced(ctx, c); err != nil {
			return "", err
		}
	}
	return m.cache.Get(path)
}

// GetMultiple returns every path that resolves successfully; failures
// are omitted silently.
func (m *Manager) GetMultiple(ctx context.Context, paths []string) (map[string]string, error) {
	if err := m.requireActive(); err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, p := range paths {
		v, err := m.Get(ctx, p)
		if err != nil {
			if errs.OfKind(err, errs.Cancelled) {
				return nil, err
			}
			continue
		}
		out[p] = v
	}
	return out, nil
}

// GetAll returns every (path, value) leaf under prefix.
func (m *Manager) GetAll(ctx context.Context, prefix string) (map[string]string, error) {
	if err := m.requireActive(); err != nil {
		return nil, err
	}
	if err := ppath.Validate(prefix); err != nil {
		return nil, err
	}
	caps := m.pluginsFor(prefix)
	if len(caps) == 0 && ppath.Normalize(prefix) != ppath.Root && !m.registry.ExistsInferred(prefix) {
		return nil, errs.NotFoundf("path %q not found", prefix)
	}
	for _, c := range caps {
		if err := m.ensureSynced(ctx, c); err != nil {
			return nil, err
		}
	}
	return m.cache.GetAll(prefix)
}

// Delete removes the node at path if its schema permits.
func (m *Manager) Delete(ctx context.Context, path string) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	if err := ppath.Validate(path); err != nil {
		return err
	}
	owner, err := m.registry.OwnerOf(path)
	if err != nil {
		return err
	}
	if err := m.ensureSynced(ctx, owner); err != nil {
		return err
	}
	node, err := m.schemas[owner.Name()].Locate(path)
	if err != nil {
		return err
	}
	if !node.CanDelete {
		return errs.Deniedf("path %q cannot be deleted", path)
	}
	return m.cache.Remove(path)
}

// DeleteMultiple processes paths in input order, best-effort,
// returning the subset that failed.
func (m *Manager) DeleteMultiple(ctx context.Context, paths []string) ([]string, error) {
	if err := m.requireActive(); err != nil {
		return nil, err
	}
	var failed []string
	for _, path := range paths {
		if err := m.Delete(ctx, path); err != nil {
			if errs.OfKind(err, errs.Cancelled) {
				return nil, err
			}
			failed = append(failed, path)
		}
	}
	return failed, nil
}

// SetMeta records a (property, value) pair on an existing node.
func (m *Manager) SetMeta(ctx context.Context, path, prop, value string) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	if err := ppath.Validate(path); err != nil {
		return err
	}
	owner, err := m.registry.OwnerOf(path)
	if err != nil {
		return err
	}
	if err := m.ensureSynced(ctx, owner); err != nil {
		return err
	}
	return m.cache.SetMeta(path, prop, value)
}

// GetMeta returns the value of prop on path.
func (m *Manager) GetMeta(ctx context.Context, path, prop string) (string, error) {
	if err := m.requireActive(); err != nil {
		return "", err
	}
	if err := ppath.Validate(path); err != nil {
		return "", err
	}
	owner, err := m.registry.OwnerOf(path)
	if err != nil {
		return "", err
	}
	if err := m.ensureSynced(ctx, owner); err != nil {
		return "", err
	}
	return m.cache.GetMeta(path, prop)
}

// SetMultipleMeta applies every metadata triple best-effort, returning
// the ones that failed.
func (m *Manager) SetMultipleMeta(ctx context.Context, entries []cache.MetaEntry) ([]cache.MetaEntry, error) {
	if err := m.requireActive(); err != nil {
		return nil, err
	}
	var failed []cache.MetaEntry
	for _, e := range entries {
		if err := m.SetMeta(ctx, e.Path, e.Prop, e.Value); err != nil {
			if errs.OfKind(err, errs.Cancelled) {
				return nil, err
			}
			failed = append(failed, e)
		}
	}
	return failed, nil
}

// GetAllMeta returns every (path, prop, value) triple under prefix.
func (m *Manager) GetAllMeta(ctx context.Context, prefix string) ([]cache.MetaEntry, error) {
	if err := m.requireActive(); err != nil {
		return nil, err
	}
	if err := ppath.Validate(prefix); err != nil {
		return nil, err
	}
	caps := m.pluginsFor(prefix)
	if len(caps) == 0 && ppath.Normalize(prefix) != ppath.Root && !m.registry.ExistsInferred(prefix) {
		return nil, errs.NotFoundf("path %q not found", prefix)
	}
	for _, c := range caps {
		if err := m.ensureSynced(ctx, c); err != nil {
			return nil, err
		}
	}
	return m.cache.GetAllMeta(prefix)
}

// GetTypeInfo resolves path's schema descriptor. Unlike every other
// op, it is legal regardless of session phase (spec.md §4.6.1).
func (m *Manager) GetTypeInfo(path string) (string, error) {
	if err := ppath.Validate(path); err != nil {
		return "", err
	}
	if owner, err := m.registry.OwnerOf(path); err == nil {
		node, err := m.schemas[owner.Name()].Locate(path)
		if err != nil {
			return "", err
		}
		return node.Describe(), nil
	}
	if m.registry.ExistsInferred(path) {
		return "dir", nil
	}
	return "", errs.NotFoundf("path %q not found", path)
}

// GetChildrenTypeInfo returns every direct child of path with its
// schema descriptor; legal regardless of session phase.
func (m *Manager) GetChildrenTypeInfo(path string) (map[string]string, error) {
	if err := ppath.Validate(path); err != nil {
		return nil, err
	}
	if owner, err := m.registry.OwnerOf(path); err == nil {
		node, err := m.schemas[owner.Name()].Locate(path)
		if err != nil {
			return nil, err
		}
		if node.Kind != schema.KindDir {
			return nil, errs.BadArgsf("path %q is a key, not a directory", path)
		}
		out := map[string]string{}
		for name, child := range node.Children {
			label := name
			if label == "" {
				label = "<X>"
			}
			out[label] = child.Describe()
		}
		return out, nil
	}

	children := m.registry.DirectChildren(path)
	if len(children) == 0 {
		return nil, errs.NotFoundf("path %q not found", path)
	}
	out := map[string]string{}
	for _, name := range children {
		out[name] = "dir"
	}
	return out, nil
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
