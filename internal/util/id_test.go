package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("ws")
	if !strings.HasPrefix(id, "ws_") {
		t.Fatalf("expected ws_ prefix, got %s", id)
	}
	if id == NewID("ws") {
		t.Fatal("expected unique ids")
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"My Workspace":        "my-workspace",
		"  Sales -- Q3  ":     "sales-q3",
		"Ops/Infra (2026)":    "ops-infra-2026",
		"Ünïcode Wörkspäce!!": "ncode-w-rksp-ce",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 22); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
	got := Truncate("a perfectly reasonable response about documents", 22)
	if len([]rune(got)) != 22 {
		t.Errorf("expected 22 runes, got %d (%q)", len([]rune(got)), got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis, got %q", got)
	}
}
