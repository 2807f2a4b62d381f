package partbackup

import (
	"slices"
	"testing"
)

func TestLinesTrimsAndSkipsBlank(t *testing.T) {
	got := slices.Collect(Lines("  boot_a \r\n\n\tvendor_boot\n   \nsuper"))
	want := []string{"boot_a", "vendor_boot", "super"}
	if !slices.Equal(got, want) {
		t.Fatalf("Lines = %v, want %v", got, want)
	}
}

func TestLinesRestartsOnEachRange(t *testing.T) {
	seq := Lines("a\nb\nc\n")
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if !slices.Equal(first, second) || len(first) != 3 {
		t.Fatalf("sequence not restartable: %v vs %v", first, second)
	}
}

func TestLinesStopsEarly(t *testing.T) {
	var seen []string
	for line := range Lines("a\nb\nc") {
		seen = append(seen, line)
		if line == "b" {
			break
		}
	}
	if !slices.Equal(seen, []string{"a", "b"}) {
		t.Fatalf("unexpected lines before break: %v", seen)
	}
}

func TestLinesEmpty(t *testing.T) {
	if got := slices.Collect(Lines("")); len(got) != 0 {
		t.Fatalf("expected no lines, got %v", got)
	}
}
