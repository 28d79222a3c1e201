// Package provman is a device-wide settings broker: it sits between
// clients that want to read or write configuration and the plugins
// that actually own each settings tree, enforcing one session at a
// time, validating every write against the owning plugin's schema,
// and keeping a fast in-memory cache warm between requests (spec.md
// §1-§2). Broker is the package's single entry point, wiring C1-C7
// together the way scimgateway's Gateway wires its own subsystems.
package provman

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/provman/provman/broker"
	"github.com/provman/provman/cache"
	"github.com/provman/provman/config"
	"github.com/provman/provman/errs"
	"github.com/provman/provman/metadata"
	"github.com/provman/provman/plugin"
	"github.com/provman/provman/queue"
)

// Version identifies the broker build. It is a plain var, not a
// const, so it can be overridden at link time with
// -ldflags "-X github.com/provman/provman.Version=...".
var Version = "dev"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Broker is a fully wired provman instance: one fixed plugin roster,
// one session gate, one Plugin Manager. Construct with New or
// NewWithDefaults, register every plugin Capability, then call
// Initialize before issuing any settings operation.
type Broker struct {
	config *config.Config
	caps   []plugin.Capability
	logger *slog.Logger
	onIdle func()

	registry *plugin.Registry
	manager  *broker.Manager
	gate     *queue.Gate
}

// New creates a Broker from cfg. RegisterCapability and Initialize
// must be called before any settings operation.
func New(cfg *config.Config) *Broker {
	return &Broker{config: cfg, logger: discardLogger()}
}

// NewWithDefaults creates a Broker with config.DefaultConfig.
func NewWithDefaults() *Broker {
	return New(config.DefaultConfig())
}

// SetLogger sets the logger used for warnings (failed sync-outs,
// corrupt metadata, ...). Pass nil to discard logging.
func (b *Broker) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = discardLogger()
	}
	b.logger = logger
}

// SetIdleHandler installs a callback invoked when the session gate's
// idle-shutdown timer fires (spec.md §9's supplemented idle-shutdown
// behaviour). The broker itself has no process-lifetime opinion — it
// is the caller's transport loop that decides what "idle" should mean
// (exit the process, drop a cached connection, ...); by default the
// callback only logs.
func (b *Broker) SetIdleHandler(fn func()) {
	b.onIdle = fn
}

// RegisterCapability adds a plugin Capability to the roster. Must be
// called before Initialize.
func (b *Broker) RegisterCapability(c plugin.Capability) {
	b.caps = append(b.caps, c)
}

// Initialize validates the configuration and plugin roster, then
// constructs the registry, Plugin Manager and session gate. It must
// be called exactly once, after every RegisterCapability call.
func (b *Broker) Initialize() error {
	if err := b.config.Validate(); err != nil {
		b.logger.Error("configuration validation failed", "error", err)
		return err
	}
	if len(b.caps) == 0 {
		err := errs.Unexpectedf("no plugins registered: at least one Capability must be registered before Initialize")
		b.logger.Error("plugin registration validation failed", "error", err)
		return err
	}

	registry, err := plugin.NewRegistry(b.caps)
	if err != nil {
		b.logger.Error("plugin registry validation failed", "error", err)
		return err
	}

	baseDir := b.config.BaseDir
	logger := b.logger
	opener := func(name, imsi string) broker.MetadataStore {
		return metadata.Open(baseDir, name, imsi, logger)
	}

	manager, err := broker.New(registry, opener, b.logger)
	if err != nil {
		b.logger.Error("plugin manager construction failed", "error", err)
		return err
	}

	onIdle := b.onIdle
	if onIdle == nil {
		onIdle = func() { b.logger.Info("session gate idle timeout expired") }
	}

	b.registry = registry
	b.manager = manager
	b.gate = queue.New(b.config.IdleTimeout, onIdle)

	b.logger.Info("provman broker initialised",
		"scope", b.config.Scope,
		"plugin_count", len(b.caps),
	)
	return nil
}

// Close stops the session gate's idle timer. Safe to call on an
// uninitialised broker.
func (b *Broker) Close() {
	if b.gate != nil {
		b.gate.Stop()
	}
}

// GetVersion returns the broker's build version. Legal at any time,
// regardless of session state.
func (b *Broker) GetVersion() string { return Version }

func (b *Broker) requireHolder(client string) error {
	if b.gate == nil {
		return errs.Unexpectedf("broker not initialised")
	}
	if b.gate.Holder() != client {
		return errs.Unexpectedf("client %q does not hold the session", client)
	}
	b.gate.Touch()
	return nil
}

// onOpResult releases the session if err reports Cancelled — a
// cancelled sync-in or sync-out already resets the Plugin Manager to
// Idle internally, so the gate must be released in step or the next
// waiter is left stuck behind a session nobody is using any more.
func (b *Broker) onOpResult(client string, err error) error {
	if errs.OfKind(err, errs.Cancelled) {
		_ = b.gate.Release(client)
	}
	return err
}

// Start begins a session for client, blocking in FIFO order behind
// any other session in progress (spec.md §4.6.4, §4.7).
func (b *Broker) Start(ctx context.Context, client, imsi string) error {
	if b.gate == nil {
		return errs.Unexpectedf("broker not initialised")
	}
	if _, err := b.gate.Start(ctx, client); err != nil {
		return err
	}
	if err := b.manager.Start(imsi); err != nil {
		_ = b.gate.Release(client)
		return err
	}
	return nil
}

// End syncs every touched plugin out and releases the session.
func (b *Broker) End(ctx context.Context, client string) error {
	if err := b.requireHolder(client); err != nil {
		return err
	}
	err := b.manager.End(ctx)
	_ = b.gate.Release(client)
	return err
}

// Abort discards the session's cache without syncing out, then
// releases the session.
func (b *Broker) Abort(ctx context.Context, client string) error {
	if err := b.requireHolder(client); err != nil {
		return err
	}
	err := b.manager.Abort(ctx)
	_ = b.gate.Release(client)
	return err
}

// ClientDisconnected tells the broker that client's connection has
// gone away. If client held the session, its in-flight work is ended
// best-effort (sync-out errors are swallowed, spec.md §4.7.2) and the
// next queued client is admitted.
func (b *Broker) ClientDisconnected(client string) error {
	if b.gate == nil {
		return nil
	}
	return b.gate.ClientGone(client, func(c string) error {
		if b.manager.Phase() != broker.Active {
			return nil
		}
		return b.manager.End(context.Background())
	})
}

// Set writes value at path, subject to the owning plugin's schema.
func (b *Broker) Set(ctx context.Context, client, path, value string) error {
	if err := b.requireHolder(client); err != nil {
		return err
	}
	return b.onOpResult(client, b.manager.Set(ctx, path, value))
}

// SetMultiple writes every (path, value) pair best-effort, returning
// the paths that failed.
func (b *Broker) SetMultiple(ctx context.Context, client string, settings map[string]string) ([]string, error) {
	if err := b.requireHolder(client); err != nil {
		return nil, err
	}
	failed, err := b.manager.SetMultiple(ctx, settings)
	return failed, b.onOpResult(client, err)
}

// Get returns the value at path, or a directory's children.
func (b *Broker) Get(ctx context.Context, client, path string) (string, error) {
	if err := b.requireHolder(client); err != nil {
		return "", err
	}
	v, err := b.manager.Get(ctx, path)
	return v, b.onOpResult(client, err)
}

// GetMultiple returns every path that resolves, omitting failures.
func (b *Broker) GetMultiple(ctx context.Context, client string, paths []string) (map[string]string, error) {
	if err := b.requireHolder(client); err != nil {
		return nil, err
	}
	out, err := b.manager.GetMultiple(ctx, paths)
	return out, b.onOpResult(client, err)
}

// GetAll returns every (path, value) leaf under prefix.
func (b *Broker) GetAll(ctx context.Context, client, prefix string) (map[string]string, error) {
	if err := b.requireHolder(client); err != nil {
		return nil, err
	}
	out, err := b.manager.GetAll(ctx, prefix)
	return out, b.onOpResult(client, err)
}

// Delete removes path if its schema permits.
func (b *Broker) Delete(ctx context.Context, client, path string) error {
	if err := b.requireHolder(client); err != nil {
		return err
	}
	return b.onOpResult(client, b.manager.Delete(ctx, path))
}

// DeleteMultiple deletes every path in order, best-effort, returning
// the ones that failed.
func (b *Broker) DeleteMultiple(ctx context.Context, client string, paths []string) ([]string, error) {
	if err := b.requireHolder(client); err != nil {
		return nil, err
	}
	failed, err := b.manager.DeleteMultiple(ctx, paths)
	return failed, b.onOpResult(client, err)
}

// SetMeta records a (property, value) pair on path.
func (b *Broker) SetMeta(ctx context.Context, client, path, prop, value string) error {
	if err := b.requireHolder(client); err != nil {
		return err
	}
	return b.onOpResult(client, b.manager.SetMeta(ctx, path, prop, value))
}

// GetMeta returns the value of prop on path.
func (b *Broker) GetMeta(ctx context.Context, client, path, prop string) (string, error) {
	if err := b.requireHolder(client); err != nil {
		return "", err
	}
	v, err := b.manager.GetMeta(ctx, path, prop)
	return v, b.onOpResult(client, err)
}

// SetMultipleMeta applies every metadata triple best-effort, returning
// the ones that failed.
func (b *Broker) SetMultipleMeta(ctx context.Context, client string, entries []cache.MetaEntry) ([]cache.MetaEntry, error) {
	if err := b.requireHolder(client); err != nil {
		return nil, err
	}
	failed, err := b.manager.SetMultipleMeta(ctx, entries)
	return failed, b.onOpResult(client, err)
}

// GetAllMeta returns every (path, property, value) triple under
// prefix.
func (b *Broker) GetAllMeta(ctx context.Context, client, prefix string) ([]cache.MetaEntry, error) {
	if err := b.requireHolder(client); err != nil {
		return nil, err
	}
	out, err := b.manager.GetAllMeta(ctx, prefix)
	return out, b.onOpResult(client, err)
}

// GetTypeInfo resolves path's schema descriptor. Legal regardless of
// session state.
func (b *Broker) GetTypeInfo(path string) (string, error) {
	if b.gate != nil {
		b.gate.Touch()
	}
	if b.manager == nil {
		return "", errs.Unexpectedf("broker not initialised")
	}
	return b.manager.GetTypeInfo(path)
}

// GetChildrenTypeInfo returns every direct child of path with its
// schema descriptor. Legal regardless of session state.
func (b *Broker) GetChildrenTypeInfo(path string) (map[string]string, error) {
	if b.gate != nil {
		b.gate.Touch()
	}
	if b.manager == nil {
		return nil, errs.Unexpectedf("broker not initialised")
	}
	return b.manager.GetChildrenTypeInfo(path)
}

// Config returns the broker's configuration.
func (b *Broker) Config() *config.Config { return b.config }

// String implements fmt.Stringer for diagnostics.
func (b *Broker) String() string {
	return fmt.Sprintf("provman.Broker{scope=%s, plugins=%d}", b.config.Scope, len(b.caps))
}
