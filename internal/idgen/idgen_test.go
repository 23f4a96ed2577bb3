package idgen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	id := New()
	if len(id) != 36 {
		t.Errorf("expected 36 chars, got %d (%s)", len(id), id)
	}
	if strings.Count(id, "-") != 4 {
		t.Errorf("expected 4 dashes, got %s", id)
	}
	if id == New() {
		t.Error("two IDs should not collide")
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	if !strings.HasPrefix(id, "esc_") {
		t.Errorf("expected esc_ prefix, got %s", id)
	}
	if len(id) != len("esc_")+24 {
		t.Errorf("expected prefix plus 24 hex chars, got %d (%s)", len(id), id)
	}
	if id == WithPrefix("esc_") {
		t.Error("two IDs should not collide")
	}
}

func TestHex(t *testing.T) {
	if got := Hex(16); len(got) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(got))
	}
	if Hex(8) == Hex(8) {
		t.Error("two values should not collide")
	}
}
