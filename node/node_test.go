package node

import (
	"errors"
	"strings"
	"testing"
)

func TestParseName(t *testing.T) {
	n, err := ParseName("demo@localhost")
	if err != nil {
		t.Fatal(err)
	}
	if n.Name != "demo" || n.Host != "localhost" {
		t.Fatalf("got %#v", n)
	}
	if n.String() != "demo@localhost" {
		t.Fatalf("got %q", n.String())
	}

	for _, s := range []string{"demo", "@localhost", "demo@", "a@b@c", ""} {
		if _, err := ParseName(s); !errors.Is(err, ErrNameFormat) {
			t.Fatalf("%q: %v", s, err)
		}
	}

	long := "a@" + strings.Repeat("h", 300)
	if _, err := ParseName(long); !errors.Is(err, ErrNameTooLong) {
		t.Fatal(err)
	}
}

func TestNewCreation(t *testing.T) {
	for i := 0; i < 100; i++ {
		if NewCreation() == 0 {
			t.Fatal("creation must not be zero")
		}
	}
}

func TestNewLocalNode(t *testing.T) {
	ln, err := NewLocalNode("demo@localhost")
	if err != nil {
		t.Fatal(err)
	}
	if ln.Creation == 0 || ln.Name.Name != "demo" {
		t.Fatalf("got %#v", ln)
	}

	if _, err := NewLocalNode("nope"); err == nil {
		t.Fatal("expected error")
	}
}
