package screenplay

import (
	"errors"
	"testing"
)

func TestNextType(t *testing.T) {
	cases := []struct {
		from BlockType
		want BlockType
	}{
		{from: SceneHeading, want: Action},
		{from: Action, want: Action},
		{from: Character, want: Dialogue},
		{from: Parenthetical, want: Dialogue},
		{from: Dialogue, want: Action},
		{from: Transition, want: SceneHeading},
		{from: Shot, want: Action},
	}
	for _, tc := range cases {
		if got := NextType(tc.from); got != tc.want {
			t.Fatalf("NextType(%s) = %s, want %s", tc.from, got, tc.want)
		}
	}
}

func TestCycleTypeVisitsEveryTypeAndReturns(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		seen := make(map[BlockType]bool)
		current := SceneHeading
		for i := 0; i < len(AllBlockTypes()); i++ {
			seen[current] = true
			current = CycleType(current, reverse)
		}
		if current != SceneHeading {
			t.Fatalf("reverse=%v: cycle ended at %s, want %s", reverse, current, SceneHeading)
		}
		if len(seen) != len(AllBlockTypes()) {
			t.Fatalf("reverse=%v: visited %d types, want %d", reverse, len(seen), len(AllBlockTypes()))
		}
	}
}

func TestCycleTypeReverseUndoesForward(t *testing.T) {
	for _, bt := range AllBlockTypes() {
		if got := CycleType(CycleType(bt, false), true); got != bt {
			t.Fatalf("reverse(forward(%s)) = %s", bt, got)
		}
	}
}

func TestDetectType(t *testing.T) {
	cases := []struct {
		text string
		want BlockType
		ok   bool
	}{
		{text: "INT. KITCHEN - NIGHT", want: SceneHeading, ok: true},
		{text: "ext. beach - day", want: SceneHeading, ok: true},
		{text: "INT./EXT. CAR - MOVING", want: SceneHeading, ok: true},
		{text: "CUT TO:", want: Transition, ok: true},
		{text: "  fade in:  ", want: Transition, ok: true},
		{text: "INTERIOR MONOLOGUE", ok: false},
		{text: "She walks in.", ok: false},
		{text: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := DetectType(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("DetectType(%q) = (%q, %v), want (%q, %v)", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseBlockType(t *testing.T) {
	for _, bt := range AllBlockTypes() {
		got, err := ParseBlockType(string(bt))
		if err != nil || got != bt {
			t.Fatalf("ParseBlockType(%q) = %q, %v", bt, got, err)
		}
	}
	if _, err := ParseBlockType("paragraph"); !errors.Is(err, ErrUnknownBlockType) {
		t.Fatalf("ParseBlockType(paragraph) error = %v, want ErrUnknownBlockType", err)
	}
}

func TestValidBlockID(t *testing.T) {
	if !ValidBlockID(NewBlockID()) {
		t.Fatal("NewBlockID() produced an invalid id")
	}
	if ValidBlockID("block-1") {
		t.Fatal("expected non-uuid id to be rejected")
	}
}

func TestMetadataIsZero(t *testing.T) {
	name := "MARGOT"
	var nilMetadata *Metadata
	if !nilMetadata.IsZero() || !(&Metadata{}).IsZero() {
		t.Fatal("nil and empty metadata should be zero")
	}
	if (&Metadata{CharacterName: &name}).IsZero() {
		t.Fatal("metadata with a character name is not zero")
	}
}
