package ids

import (
	"bytes"
	"errors"
	"regexp"
	"testing"
)

var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNew_DeterministicFromReader(t *testing.T) {
	entropy := bytes.Repeat([]byte{0xab}, 16)

	first, err := New(bytes.NewReader(entropy))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second, err := New(bytes.NewReader(entropy))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if first != second {
		t.Errorf("same entropy produced different ids: %q vs %q", first, second)
	}
	if !uuidV4.MatchString(first) {
		t.Errorf("id %q is not a v4 UUID", first)
	}
}

func TestNew_ExhaustedReader(t *testing.T) {
	if _, err := New(bytes.NewReader(nil)); err == nil {
		t.Error("New succeeded with an empty entropy source")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy source broken")
}

func TestNew_ReaderError(t *testing.T) {
	if _, err := New(failingReader{}); err == nil {
		t.Error("New succeeded with a failing entropy source")
	}
}

func TestMustNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := MustNew()
		if !uuidV4.MatchString(id) {
			t.Fatalf("id %q is not a v4 UUID", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
