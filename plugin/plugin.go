// Package plugin defines the capability surface that backs a single
// settings root ("/telephony/", "/applications/test_plugin/", ...) and
// the Registry that owns the fixed roster of capabilities wired into a
// broker (spec.md §3/§4.2, §9 "polymorphism over a fixed capability
// set"). It replaces the C plugin vtable's function-pointer struct
// with ordinary Go interfaces; context cancellation stands in for the
// vtable's separate *_cancel_fn entry points.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/provman/provman/errs"
	ppath "github.com/provman/provman/path"
)

// Capability is the contract a settings source must satisfy to be
// wired into a Registry. Name and Root are pure metadata; Schema
// describes the shape of the settings the capability owns; SyncIn and
// SyncOut perform the actual transfer and must return promptly when
// ctx is cancelled.
type Capability interface {
	// Name identifies the capability in logs and diagnostics.
	Name() string

	// Root is the absolute path prefix this capability owns, always
	// ending in "/" (e.g. "/telephony/").
	Root() string

	// Schema returns the raw XML schema document describing the
	// settings tree under Root.
	Schema() []byte

	// SyncIn loads the current settings for imsi (empty for
	// non-SIM-scoped capabilities) from the backing source, keyed by
	// full absolute path (e.g. "/telephony/contexts/acct/apn", not
	// "contexts/acct/apn"). It must return promptly once ctx is
	// cancelled.
	SyncIn(ctx context.Context, imsi string) (map[string]string, error)

	// SyncOut writes settings back to the backing source; settings is
	// keyed the same way as SyncIn's result. It must return promptly
	// once ctx is cancelled.
	SyncOut(ctx context.Context, settings map[string]string) error
}

// Aborter is an optional capability extension for sources that need
// to tear down in-flight state when a session is abandoned rather
// than ended cleanly.
type Aborter interface {
	Abort(ctx context.Context)
}

// SimIDer is an optional capability extension for sources whose
// identity is scoped to a SIM; its value becomes part of the
// per-plugin metadata file name (spec.md §6).
type SimIDer interface {
	SimID() string
}

// Registry owns a fixed, validated roster of capabilities indexed by
// the root path each one owns.
type Registry struct {
	mu    sync.RWMutex
	caps  []Capability
	roots []string // caps[i].Root(), kept parallel for prv_check_relationship-style validation
}

// NewRegistry validates and wraps a fixed capability roster. It fails
// with Corrupt if any two capabilities' roots overlap as prefixes of
// one another, mirroring provman_plugin_check's pairwise relationship
// check in the original plugin manager.
func NewRegistry(caps []Capability) (*Registry, error) {
	r := &Registry{caps: make([]Capability, len(caps)), roots: make([]string, len(caps))}
	for i, c := range caps {
		if err := ppath.Validate(c.Root()); err != nil {
			return nil, errs.Wrap(errs.Corrupt, fmt.Sprintf("invalid plugin root %q", c.Root()), err)
		}
		r.caps[i] = c
		r.roots[i] = c.Root()
	}
	for i := range r.roots {
		for j := i + 1; j < len(r.roots); j++ {
			if relatedPrefix(r.roots[i], r.roots[j]) {
				return nil, errs.Corruptf("plugin roots %q and %q overlap", r.roots[i], r.roots[j])
			}
		}
	}
	return r, nil
}

// relatedPrefix reports whether one of a, b is a string prefix of the
// other, taking the shorter's full length — this is exactly
// prv_check_relationship from the original plugin.c.
func relatedPrefix(a, b string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	return a[:n] == b[:n]
}

// All returns the registered capabilities in roster order.
func (r *Registry) All() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, len(r.caps))
	copy(out, r.caps)
	return out
}

// OwnerOf returns the capability that owns path, i.e. whose Root is a
// prefix of path (or equals path with its trailing slash dropped).
// This is provman_plugin_find_index: an exact root match (uri plus
// one char for the missing trailing slash) wins immediately; failing
// that, the first capability whose root is a prefix of uri wins.
func (r *Registry) OwnerOf(path string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, root := range r.roots {
		if len(root) == len(path)+1 && root[:len(root)-1] == path {
			return r.caps[i], nil
		}
	}
	for i, root := range r.roots {
		if strings.HasPrefix(path, root) {
			return r.caps[i], nil
		}
	}
	return nil, errs.NotFoundf("no plugin owns %q", path)
}

// DescendantRoots returns the full root path of every capability
// whose root lies at or below uri, for uris that are not themselves
// owned by any capability (spec.md §9's "inferred directories": '/'
// and '/applications' exist by virtue of the plugin roots beneath
// them, even though nothing is stored there).
func (r *Registry) DescendantRoots(uri string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, root := range r.roots {
		if len(uri) > len(root) {
			continue
		}
		if root[:len(uri)] != uri {
			continue
		}
		if len(uri) == len(root) || uri[len(uri)-1] == '/' || root[len(uri)] == '/' {
			out = append(out, root)
		}
	}
	sort.Strings(out)
	return out
}

// DirectChildren returns the names of the immediate inferred children
// of uri — e.g. DirectChildren("/") might return
// {"applications", "telephony"} — deduplicated and sorted.
func (r *Registry) DirectChildren(uri string) []string {
	roots := r.DescendantRoots(uri)
	seen := map[string]struct{}{}
	var out []string
	for _, root := range roots {
		rest := root[len(uri):]
		rest = strings.TrimPrefix(rest, "/")
		name := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name = rest[:idx]
		}
		if name == "" {
			continue
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ExistsInferred reports whether uri exists purely by virtue of a
// plugin root lying beneath it, without uri itself being owned by any
// plugin (provman_plugin_uri_exists).
func (r *Registry) ExistsInferred(uri string) bool {
	return len(r.DescendantRoots(uri)) > 0
}
