package annotation

import "testing"

func TestKindRoundTrip(t *testing.T) {
	for _, k := range Kinds {
		text, err := k.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v) error = %v", k, err)
		}
		var parsed Kind
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", text, err)
		}
		if parsed != k {
			t.Fatalf("round trip %v -> %q -> %v", k, text, parsed)
		}
	}
}

func TestKindRejectsUnknown(t *testing.T) {
	if _, err := ParseKind("stamp"); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
	if _, err := Kind(0).MarshalText(); err == nil {
		t.Fatal("expected error for zero kind")
	}
	if Kind(42).Valid() {
		t.Fatal("expected out of range kind to be invalid")
	}
}

func TestKindHasText(t *testing.T) {
	if !KindNote.HasText() || !KindFreeText.HasText() {
		t.Fatal("expected note and free-text to carry text")
	}
	if KindInk.HasText() {
		t.Fatal("expected ink to carry no text")
	}
}

func TestKindHasPoints(t *testing.T) {
	for _, k := range []Kind{KindHighlight, KindStrikeOut, KindInk, KindLine} {
		if !k.HasPoints() {
			t.Fatalf("expected %s to carry points", k)
		}
	}
	for _, k := range []Kind{KindNote, KindFreeText, KindSquare, KindCircle} {
		if k.HasPoints() {
			t.Fatalf("expected %s to carry no points", k)
		}
	}
}

func TestSyntheticMarker(t *testing.T) {
	r := Record{ID: "a", ReplyTo: "root"}
	if r.Synthetic() {
		t.Fatal("fresh record must not be synthetic")
	}
	view := r.AsSynthetic()
	if !view.Synthetic() || r.Synthetic() {
		t.Fatal("AsSynthetic must mark only the copy")
	}
	if !view.IsReply() {
		t.Fatal("expected reply")
	}
}
