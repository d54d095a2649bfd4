package cancel

import "testing"

func TestTokenCancelled(t *testing.T) {
	tok := NewToken()
	if tok.Cancelled() {
		t.Fatal("fresh token should not be cancelled")
	}

	tok.Cancel()
	if !tok.Cancelled() {
		t.Fatal("expected token to be cancelled")
	}

	tok.Reset()
	if tok.Cancelled() {
		t.Fatal("expected reset to clear cancellation")
	}
}
