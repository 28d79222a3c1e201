package path

import (
	"testing"

	"github.com/provman/provman/errs"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{"/", true},
		{"/a", true},
		{"/a/b/c", true},
		{"/a/b/", true},
		{"", false},
		{"a/b", false},
		{"//a", false},
		{"/a//b", false},
		{"/a/ b", false},
		{"/a/\tb", false},
		{"/a/\x01b", false},
	}
	for _, c := range cases {
		err := Validate(c.path)
		if c.ok && err != nil {
			t.Errorf("Validate(%q) = %v, want nil", c.path, err)
		}
		if !c.ok {
			if err == nil {
				t.Errorf("Validate(%q) = nil, want BadArgs", c.path)
			} else if !errs.OfKind(err, errs.BadArgs) {
				t.Errorf("Validate(%q) = %v, want BadArgs", c.path, err)
			}
		}
	}
}

func TestSplit(t *testing.T) {
	segs, err := Split("/a/b/c")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(segs) != len(want) {
		t.Fatalf("Split = %v, want %v", segs, want)
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Fatalf("Split = %v, want %v", segs, want)
		}
	}

	segs, err = Split("/")
	if err != nil || len(segs) != 0 {
		t.Fatalf("Split(/) = %v, %v, want empty, nil", segs, err)
	}

	segs, err = Split("/a/b/")
	if err != nil {
		t.Fatalf("Split trailing slash: %v", err)
	}
	if len(segs) != 2 || segs[1] != "b" {
		t.Fatalf("Split trailing slash = %v", segs)
	}
}

func TestJoin(t *testing.T) {
	if got, want := Join("/telephony/", "contexts/acct"), "/telephony/contexts/acct"; got != want {
		t.Fatalf("Join = %q, want %q", got, want)
	}
	if got, want := Join("/telephony", "/contexts/acct"), "/telephony/contexts/acct"; got != want {
		t.Fatalf("Join = %q, want %q", got, want)
	}
}

func TestParentAndLast(t *testing.T) {
	if got, want := Parent("/a/b/c"), "/a/b"; got != want {
		t.Fatalf("Parent = %q, want %q", got, want)
	}
	if got, want := Parent("/a"), "/"; got != want {
		t.Fatalf("Parent(/a) = %q, want %q", got, want)
	}
	if got, want := Parent("/"), "/"; got != want {
		t.Fatalf("Parent(/) = %q, want %q", got, want)
	}
	if got, want := Last("/a/b/c"), "c"; got != want {
		t.Fatalf("Last = %q, want %q", got, want)
	}
	if got, want := Last("/"), ""; got != want {
		t.Fatalf("Last(/) = %q, want %q", got, want)
	}
}

func TestHasPrefix(t *testing.T) {
	if !HasPrefix("/telephony/contexts/acct", "/telephony") {
		t.Fatalf("expected prefix match")
	}
	if HasPrefix("/telephonyx", "/telephony") {
		t.Fatalf("HasPrefix must not match on a non-separator boundary")
	}
	if !HasPrefix("/anything", "/") {
		t.Fatalf("root is a prefix of everything")
	}
}
