// Package metadata implements C4 of the provman core: the persistent
// per-plugin, per-SIM property table that is independent of the
// settings cache itself (spec.md §3/§4.4). It is backed by the
// sectioned INI file format described in spec.md §6
// (<plugin>[-<imsi>]-metadata.ini), one file per (plugin, sim-id) pair.
package metadata

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-ini/ini"
)

// Store is a loaded (section -> key -> value) property table backed
// by a single INI file.
type Store struct {
	path string
	log  *slog.Logger
	file *ini.File
}

// FileName returns the on-disk path for a (plugin, imsi) pair per
// spec.md §6: "<base-dir>/<plugin-name>[-<imsi>]-metadata.ini".
func FileName(baseDir, plugin, imsi string) string {
	name := plugin
	if imsi != "" {
		name = fmt.Sprintf("%s-%s", plugin, imsi)
	}
	return filepath.Join(baseDir, name+"-metadata.ini")
}

// Open loads the metadata file for (plugin, imsi) under baseDir. A
// missing file yields an empty store; a malformed file is logged and
// treated as empty rather than returned as an error — metadata
// corruption must never block a session from starting (spec.md §4.4
// "parse errors are non-fatal").
func Open(baseDir, plugin, imsi string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	p := FileName(baseDir, plugin, imsi)

	f, err := ini.Load(p)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to parse metadata file, starting empty", "path", p, "error", err)
		}
		f = ini.Empty()
	}
	return &Store{path: p, log: log, file: f}
}

// Snapshot returns the store's full (path -> (property -> value))
// contents.
func (s *Store) Snapshot() map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, section := range s.file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection && len(section.Keys()) == 0 {
			continue
		}
		props := map[string]string{}
		for _, key := range section.Keys() {
			props[key.Name()] = key.Value()
		}
		if len(props) > 0 {
			out[name] = props
		}
	}
	return out
}

// Update computes the symmetric difference between the current
// on-disk representation and next, then rewrites the file only if
// something actually changed (spec.md §4.4: "diff-and-write update").
// A section present on disk but absent from next is removed; any
// section with a changed or new value is rewritten. Write failures
// are logged and never surfaced as an error to the caller — per
// spec.md §4.4, a failed metadata write is never user-visible from
// End.
func (s *Store) Update(next map[string]map[string]string) {
	dirty := false

	for _, section := range s.file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}
		if _, keep := next[name]; !keep {
			s.file.DeleteSection(name)
			dirty = true
		}
	}

	names := make([]string, 0, len(next))
	for name := range next {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		props := next[name]
		section, err := s.file.GetSection(name)
		if err != nil {
			section, _ = s.file.NewSection(name)
		}
		for k, v := range props {
			existing, err := section.GetKey(k)
			if err != nil || existing.Value() != v {
				section.NewKey(k, v)
				dirty = true
			}
		}
	}

	if !dirty {
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.log.Warn("failed to create metadata directory", "path", s.path, "error", err)
		return
	}
	if err := s.file.SaveTo(s.path); err != nil {
		s.log.Warn("failed to write metadata file", "path", s.path, "error", err)
	}
}
