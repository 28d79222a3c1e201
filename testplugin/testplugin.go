// Package testplugin provides a deterministic, in-memory Capability
// fixture used by the broker's own tests and by the root package's
// integration tests. It plays the same role as the original
// implementation's test plugin (original_source/src/test-plugin.c):
// a fixed schema and fixed settings that exercise every schema type
// without touching any real settings source.
package testplugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/provman/provman/errs"
	ppath "github.com/provman/provman/path"
)

// schemaTemplate is a canned XML schema exercising every value type
// and delete/write permission combination, modelled on
// original_source/src/test_schemas.c's handful of example trees. %s is
// replaced with the plugin's own root so a test can mount several
// instances at different roots.
const schemaTemplate = `<schema root="%s">
  <dir name="name">
    <key name="first" type="string"/>
    <key name="last" type="string"/>
  </dir>
  <dir name="settings">
    <key name="count" type="int"/>
    <key name="level" type="enum" values="low,medium,high"/>
    <key name="readonly" type="string" write="no"/>
    <key name="sticky" type="string" delete="no"/>
  </dir>
  <dir name="log" delete="no">
    <dir name="">
      <key name="value" type="string"/>
    </dir>
  </dir>
</schema>`

// Plugin is a Capability backed by an in-memory map, standing in for
// a real settings source in tests. SyncIn and SyncOut calls are
// counted so tests can assert lazy-sync-in and sync-out-skips-unsynced
// behaviour.
type Plugin struct {
	name string
	root string
	imsi string

	mu         sync.Mutex
	schema     []byte
	settings   map[string]string
	syncInErr  error
	syncInHang chan struct{} // if non-nil, SyncIn blocks on ctx.Done() instead of returning
	syncIns    int
	syncOuts   int
	lastOut    map[string]string
	aborted    int
}

// New returns a Plugin rooted at root (e.g.
// "/applications/test_plugin/") with the given initial settings, using
// the package's canned schema with root substituted in. initial is
// keyed by path relative to root (e.g. "name/first"), matching the
// schemaTemplate's shape.
func New(name, root string, initial map[string]string) *Plugin {
	return NewWithSchema(name, root, fmt.Sprintf(schemaTemplate, root), initial)
}

// NewWithSchema is like New but with a caller-supplied schema
// document, for tests that need a settings tree schemaTemplate does
// not shape (e.g. a telephony-style "contexts" plugin). initial is
// keyed by path relative to root.
func NewWithSchema(name, root string, schema string, initial map[string]string) *Plugin {
	settings := map[string]string{}
	for k, v := range initial {
		settings[ppath.Join(root, k)] = v
	}
	return &Plugin{name: name, root: root, schema: []byte(schema), settings: settings}
}

func (p *Plugin) Name() string   { return p.name }
func (p *Plugin) Root() string   { return p.root }
func (p *Plugin) Schema() []byte { return p.schema }

// FailSyncInWith makes every subsequent SyncIn call return err
// instead of succeeding.
func (p *Plugin) FailSyncInWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncInErr = err
}

// HangSyncIn makes SyncIn block until ctx is cancelled, then return a
// Cancelled error — used to exercise the gate's client-death path.
func (p *Plugin) HangSyncIn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncInHang = make(chan struct{})
}

func (p *Plugin) SyncIn(ctx context.Context, imsi string) (map[string]string, error) {
	p.mu.Lock()
	p.syncIns++
	p.imsi = imsi
	hang := p.syncInHang
	failErr := p.syncInErr
	out := map[string]string{}
	for k, v := range p.settings {
		out[k] = v
	}
	p.mu.Unlock()

	if hang != nil {
		<-ctx.Done()
		return nil, errs.New(errs.Cancelled, "sync-in cancelled")
	}
	if failErr != nil {
		return nil, failErr
	}
	return out, nil
}

func (p *Plugin) SyncOut(ctx context.Context, settings map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncOuts++
	p.lastOut = map[string]string{}
	for k, v := range settings {
		p.lastOut[k] = v
	}
	p.settings = p.lastOut
	return nil
}

// Abort implements plugin.Aborter.
func (p *Plugin) Abort(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted++
}

// SyncIns reports how many times SyncIn has been called.
func (p *Plugin) SyncIns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncIns
}

// SyncOuts reports how many times SyncOut has been called.
func (p *Plugin) SyncOuts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncOuts
}

// Aborted reports how many times Abort has been called.
func (p *Plugin) Aborted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// LastSyncOut returns the settings map passed to the most recent
// SyncOut call.
func (p *Plugin) LastSyncOut() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]string{}
	for k, v := range p.lastOut {
		out[k] = v
	}
	return out
}
