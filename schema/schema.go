// Package schema implements C2 of the provman core: parsing a
// plugin's XML schema declaration into a tree of typed directories and
// keys, and validating values and deletes against it (spec.md §3/§4.2).
package schema

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/provman/provman/errs"
)

// Kind distinguishes a directory node from a key (leaf) node.
type Kind int

const (
	KindDir Kind = iota
	KindKey
)

// ValueType is the value type declared for a key node.
type ValueType int

const (
	TypeString ValueType = iota
	TypeInt
	TypeEnum
)

func (vt ValueType) String() string {
	switch vt {
	case TypeInt:
		return "int"
	case TypeEnum:
		return "enum"
	default:
		return "string"
	}
}

// Node is one element of a parsed schema tree: either a directory
// (Kind == KindDir, with Children) or a key (Kind == KindKey, with a
// ValueType and, for enums, AllowedValues).
type Node struct {
	Name      string
	Kind      Kind
	CanDelete bool

	// Directory fields.
	Children map[string]*Node

	// Key fields.
	CanWrite      bool
	ValueType     ValueType
	AllowedValues map[string]struct{}
}

// Tree is a fully parsed plugin schema: a root directory whose Name is
// the plugin's root path (spec.md §3, "a schema root's path ends with
// '/' and is not '/'").
type Tree struct {
	Root *Node
}

var intPattern = regexp.MustCompile(`^[0-9]+$`)

// xmlAttr looks up an attribute by local name.
func xmlAttr(attrs []xml.Attr, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func parseBoolAttr(attrs []xml.Attr, name string, def bool) (bool, error) {
	v, ok := xmlAttr(attrs, name)
	if !ok {
		return def, nil
	}
	switch v {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	default:
		return false, errs.Corruptf("attribute %q: unrecognised value %q", name, v)
	}
}

func parseValueType(v string) (ValueType, error) {
	switch v {
	case "string":
		return TypeString, nil
	case "int":
		return TypeInt, nil
	case "enum":
		return TypeEnum, nil
	default:
		return 0, errs.Corruptf("unrecognised key type %q", v)
	}
}

// Parse consumes an XML document whose root is <schema root="/…/">
// (spec.md §4.2/§6 DTD) and returns the resulting tree, or a
// *errs.Error of kind Corrupt on any malformed input.
func Parse(data []byte) (*Tree, error) {
	dec := xml.NewDecoder(strings.NewReader(string(data)))

	var root *Node
	var stack []*Node

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errs.Wrap(errs.Corrupt, "malformed schema XML", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "schema":
				if root != nil {
					return nil, errs.Corruptf("schema tag must be root")
				}
				rootPath, ok := xmlAttr(t.Attr, "root")
				if !ok {
					return nil, errs.Corruptf("schema tag missing root attribute")
				}
				if rootPath == "" || rootPath == "/" || !strings.HasSuffix(rootPath, "/") {
					return nil, errs.Corruptf("invalid plugin root %q", rootPath)
				}
				root = &Node{
					Name:      rootPath,
					Kind:      KindDir,
					CanDelete: true,
					Children:  map[string]*Node{},
				}
				stack = append(stack, root)
			case "dir":
				if root == nil {
					return nil, errs.Corruptf("schema must be the first tag")
				}
				parent := stack[len(stack)-1]
				if _, unnamedExists := parent.Children[""]; unnamedExists {
					return nil, errs.Corruptf("unnamed directory exists at this level")
				}
				name, _ := xmlAttr(t.Attr, "name")
				canDelete, err := parseBoolAttr(t.Attr, "delete", true)
				if err != nil {
					return nil, err
				}
				if name == "" && len(parent.Children) > 0 {
					return nil, errs.Corruptf("unnamed directories must be only children")
				}
				if _, exists := parent.Children[name]; exists {
					label := name
					if label == "" {
						label = "<X>"
					}
					return nil, errs.Corruptf("entry %s already exists", label)
				}
				node := &Node{
					Name:      name,
					Kind:      KindDir,
					CanDelete: canDelete,
					Children:  map[string]*Node{},
				}
				parent.Children[name] = node
				stack = append(stack, node)
			case "key":
				if root == nil {
					return nil, errs.Corruptf("schema must be the first tag")
				}
				parent := stack[len(stack)-1]
				if _, unnamedExists := parent.Children[""]; unnamedExists {
					return nil, errs.Corruptf("unnamed directory exists at this level")
				}
				name, hasName := xmlAttr(t.Attr, "name")
				if !hasName || name == "" {
					return nil, errs.Corruptf("key tag missing name attribute")
				}
				typeStr, hasType := xmlAttr(t.Attr, "type")
				if !hasType {
					return nil, errs.Corruptf("key %q missing type attribute", name)
				}
				valueType, err := parseValueType(typeStr)
				if err != nil {
					return nil, err
				}
				canDelete, err := parseBoolAttr(t.Attr, "delete", false)
				if err != nil {
					return nil, err
				}
				canWrite, err := parseBoolAttr(t.Attr, "write", true)
				if err != nil {
					return nil, err
				}
				if _, exists := parent.Children[name]; exists {
					return nil, errs.Corruptf("entry %s already exists", name)
				}
				node := &Node{
					Name:      name,
					Kind:      KindKey,
					CanDelete: canDelete,
					CanWrite:  canWrite,
					ValueType: valueType,
				}
				if valueType == TypeEnum {
					valuesStr, _ := xmlAttr(t.Attr, "values")
					node.AllowedValues = map[string]struct{}{}
					if valuesStr != "" {
						for _, v := range strings.Split(valuesStr, ",") {
							node.AllowedValues[strings.TrimSpace(v)] = struct{}{}
						}
					}
				}
				parent.Children[name] = node
			default:
				return nil, errs.Corruptf("unrecognised tag %q", t.Name.Local)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "schema":
				if len(stack) != 1 {
					return nil, errs.Corruptf("unexpected </schema> tag")
				}
				stack = stack[:len(stack)-1]
			case "dir":
				if len(stack) < 2 {
					return nil, errs.Corruptf("unexpected </dir> tag")
				}
				stack = stack[:len(stack)-1]
			case "key":
				// keys never push onto the stack.
			default:
				return nil, errs.Corruptf("unknown end tag %q", t.Name.Local)
			}
		}
	}

	if root == nil {
		return nil, errs.Corruptf("schema document has no root element")
	}
	if len(stack) != 0 {
		return nil, errs.Corruptf("unbalanced schema tags")
	}

	return &Tree{Root: root}, nil
}

// Locate resolves path against the tree, stripping the schema root
// prefix (which must match exactly, then a '/' separator, per
// spec.md §4.2) and walking the remainder. An unnamed ("") child acts
// as a wildcard matching any segment.
func (t *Tree) Locate(path string) (*Node, error) {
	root := t.Root
	rootPath := strings.TrimSuffix(root.Name, "/")

	if len(path) < len(rootPath) || !strings.HasPrefix(path, rootPath) {
		return nil, errs.NotFoundf("path %q is outside schema root %q", path, root.Name)
	}
	rest := path[len(rootPath):]
	if rest == "" {
		return root, nil
	}
	if rest[0] != '/' {
		return nil, errs.NotFoundf("path %q is outside schema root %q", path, root.Name)
	}
	rest = rest[1:]
	if rest == "" {
		return root, nil
	}
	return locate(root, rest)
}

func locate(parent *Node, path string) (*Node, error) {
	var name, rest string
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		name, rest = path[:idx], path[idx+1:]
	} else {
		name = path
	}

	child, ok := parent.Children[name]
	if !ok {
		child, ok = parent.Children[""]
		if !ok {
			return nil, errs.NotFoundf("no schema entry for %q", name)
		}
	}

	if rest == "" {
		return child, nil
	}
	if child.Kind != KindDir {
		return nil, errs.NotFoundf("%q is a key, not a directory", name)
	}
	return locate(child, rest)
}

// Check validates value against node, per spec.md §4.2: directories
// and write-forbidden keys fail with BadKey; a malformed int or an
// out-of-set enum value fails with BadArgs. String keys always accept.
func (n *Node) Check(value string) error {
	if n.Kind != KindKey {
		return errs.BadKeyf("%q is a directory, not a key", n.Name)
	}
	if !n.CanWrite {
		return errs.BadKeyf("key %q is not writable", n.Name)
	}
	switch n.ValueType {
	case TypeInt:
		if !intPattern.MatchString(value) {
			return errs.BadArgsf("value %q is not a valid int", value)
		}
	case TypeEnum:
		if _, ok := n.AllowedValues[value]; !ok {
			return errs.BadArgsf("value %q is not one of the allowed enum values", value)
		}
	}
	return nil
}

// Describe returns the type-info string for GetTypeInfo (spec.md §6):
// "dir", "int", "string", or "enum: v1, v2, …" (unordered).
func (n *Node) Describe() string {
	if n.Kind == KindDir {
		return "dir"
	}
	if n.ValueType == TypeEnum {
		values := make([]string, 0, len(n.AllowedValues))
		for v := range n.AllowedValues {
			values = append(values, v)
		}
		return fmt.Sprintf("enum: %s", strings.Join(values, ", "))
	}
	return n.ValueType.String()
}
