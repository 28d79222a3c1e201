// Package path implements C1 of the provman core: validation and
// manipulation of the slash-delimited paths (spec.md §3/§4.1) that
// address every setting and schema node. It intentionally does not
// reuse the standard library's "path" package: provman paths are not
// filesystem paths (segments may contain characters a filesystem
// would treat specially, and "/" itself is a meaningful leaf, not a
// no-op).
package path

import (
	"strings"
	"unicode"

	"github.com/provman/provman/errs"
)

// Root is the path denoting the top of the tree.
const Root = "/"

// Validate reports whether p is a well-formed path: non-empty,
// beginning with '/', with no consecutive slashes, and with every
// segment made of printable, non-whitespace runes.
func Validate(p string) error {
	if p == "" || p[0] != '/' {
		return errs.BadArgsf("path %q must start with '/'", p)
	}
	if p == Root {
		return nil
	}
	p = strings.TrimSuffix(p, "/")
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "" {
			return errs.BadArgsf("path %q contains an empty segment", p)
		}
		for _, r := range seg {
			if !unicode.IsPrint(r) || unicode.IsSpace(r) {
				return errs.BadArgsf("path %q contains an invalid character %q", p, r)
			}
		}
	}
	return nil
}

// Normalize strips a trailing slash from a non-root path, per
// spec.md §3's trailing-slash normalisation rule. It does not
// validate p.
func Normalize(p string) string {
	if p == Root || p == "" {
		return p
	}
	return strings.TrimSuffix(p, "/")
}

// Split validates p and returns its segments. Root returns an empty
// slice.
func Split(p string) ([]string, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	p = Normalize(p)
	if p == Root {
		return nil, nil
	}
	return strings.Split(p[1:], "/"), nil
}

// Join appends a relative path (no leading slash required) onto root,
// adding the separating '/' when root has no trailing one. It performs
// no validation of either argument.
func Join(root, relative string) string {
	root = strings.TrimSuffix(root, "/") + "/"
	return root + strings.TrimPrefix(relative, "/")
}

// Parent returns the path of p's parent. Parent(Root) returns Root.
func Parent(p string) string {
	p = Normalize(p)
	if p == Root {
		return Root
	}
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return Root
	}
	return p[:idx]
}

// Last returns p's final segment. Last(Root) returns "".
func Last(p string) string {
	p = Normalize(p)
	if p == Root {
		return ""
	}
	idx := strings.LastIndex(p, "/")
	return p[idx+1:]
}

// HasPrefix reports whether prefix is p itself or an ancestor of p,
// treating paths as a strict tree (so "/ab" is not a prefix of
// "/abc").
func HasPrefix(p, prefix string) bool {
	p = Normalize(p)
	prefix = Normalize(prefix)
	if prefix == Root {
		return true
	}
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}
