package manifest

import (
	"testing"
)

const validYAML = `
manifest_version: 1
base:
  image: rolling
system:
  packages:
    - curl
    - git
    - curl
runtime:
  backend: NAMESPACE
  network_isolation: true
mounts:
  home: /home/user:/home/user
`

func TestParseAndNormalizeDeduplicatesAndSorts(t *testing.T) {
	m, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n := Normalize(m)
	if len(n.Packages) != 2 || n.Packages[0] != "curl" || n.Packages[1] != "git" {
		t.Fatalf("expected deduped sorted packages [curl git], got %v", n.Packages)
	}
	if n.Backend != "namespace" {
		t.Fatalf("expected lowercased backend, got %q", n.Backend)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("manifest_version: 1\nbase:\n  image: x\nbogus: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	var merr *Error
	if !asError(err, &merr) || merr.Kind != ErrUnknownField {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestParseRejectsEmptyBaseImage(t *testing.T) {
	_, err := Parse([]byte("manifest_version: 1\nbase:\n  image: \"\"\n"))
	if err == nil {
		t.Fatal("expected error for empty base.image")
	}
}

func TestParseRejectsBadMountSpec(t *testing.T) {
	_, err := Parse([]byte("manifest_version: 1\nbase:\n  image: x\nmounts:\n  bad: noseparator\n"))
	if err == nil {
		t.Fatal("expected error for malformed mount spec")
	}
}

func TestNormalizeIsOrderIndependent(t *testing.T) {
	a, err := Parse([]byte("manifest_version: 1\nbase:\n  image: x\nsystem:\n  packages: [b, a]\n"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse([]byte("manifest_version: 1\nbase:\n  image: x\nsystem:\n  packages: [a, b]\n"))
	if err != nil {
		t.Fatal(err)
	}

	na, nb := Normalize(a), Normalize(b)
	bytesA, _ := CanonicalBytes(na)
	bytesB, _ := CanonicalBytes(nb)
	if string(bytesA) != string(bytesB) {
		t.Fatalf("expected identical canonical bytes, got %s vs %s", bytesA, bytesB)
	}
}

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}
