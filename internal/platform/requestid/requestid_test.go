package requestid

import "testing"

func TestNew(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if len(a) != 32 {
		t.Fatalf("len(New())=%d, want 32", len(a))
	}
	b := Or("spotbuild")
	if b == "" || b == a {
		t.Fatalf("Or()=%q, want a fresh id", b)
	}
}
