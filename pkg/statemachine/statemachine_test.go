package statemachine

import (
	"testing"

	"github.com/marcoallegretti/karapace/pkg/store/metadata"
)

func TestValidTransitions(t *testing.T) {
	cases := []struct{ from, to metadata.State }{
		{metadata.Defined, metadata.Built},
		{metadata.Built, metadata.Running},
		{metadata.Running, metadata.Built},
		{metadata.Built, metadata.Frozen},
		{metadata.Built, metadata.Archived},
		{metadata.Frozen, metadata.Archived},
	}
	for _, c := range cases {
		if err := Validate(c.from, c.to); err != nil {
			t.Errorf("expected %s -> %s to be valid, got %v", c.from, c.to, err)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct{ from, to metadata.State }{
		{metadata.Defined, metadata.Running},
		{metadata.Archived, metadata.Built},
		{metadata.Frozen, metadata.Running},
		{metadata.Running, metadata.Archived},
	}
	for _, c := range cases {
		if err := Validate(c.from, c.to); err == nil {
			t.Errorf("expected %s -> %s to be rejected", c.from, c.to)
		}
	}
}

func TestCanDestroy(t *testing.T) {
	if CanDestroy(metadata.Running) {
		t.Fatal("expected destroy to be forbidden while Running")
	}
	for _, s := range []metadata.State{metadata.Defined, metadata.Built, metadata.Frozen, metadata.Archived} {
		if !CanDestroy(s) {
			t.Errorf("expected destroy permitted from %s", s)
		}
	}
}
