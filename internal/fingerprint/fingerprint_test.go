package fingerprint

import (
	"testing"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

func item(question string, correct int, options ...string) domain.ExerciseItem {
	return domain.ExerciseItem{
		SkillTag:     "greetings",
		Question:     question,
		Options:      options,
		CorrectIndex: correct,
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  How do you say  HELLO? ", "how do you say hello"},
		{"¿Cómo estás?", "cómo estás"},
		{"tab\tand\nnewline", "tab and newline"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeOption(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"A) Hola", "hola"},
		{"b. Adiós", "adiós"},
		{"(c) Gracias", "gracias"},
		{"1: Por favor", "por favor"},
		{"Hola", "hola"},
		{"I am fine", "i am fine"},
	}

	for _, tt := range tests {
		if got := NormalizeOption(tt.in); got != tt.want {
			t.Errorf("NormalizeOption(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestItem_Deterministic(t *testing.T) {
	it := item("How do you say hello?", 0, "Hola", "Adiós", "Gracias")

	first := Item(it)
	for i := 0; i < 10; i++ {
		if got := Item(it); got != first {
			t.Fatalf("Item() = %q on call %d, want %q", got, i, first)
		}
	}
	if len(first) != 16 {
		t.Errorf("len(Item()) = %d, want 16", len(first))
	}
}

func TestItem_OrderIndependent(t *testing.T) {
	a := item("How do you say hello?", 0, "Hola", "Adiós", "Gracias")
	b := item("How do you say hello?", 2, "Gracias", "Adiós", "Hola")
	c := item("how do you say HELLO", 1, "B) Adiós", "A) Hola", "C) Gracias")

	if Item(a) != Item(b) {
		t.Error("shuffled options should not change the fingerprint")
	}
	if Item(a) != Item(c) {
		t.Error("enumeration labels and punctuation should not change the fingerprint")
	}
}

func TestItem_CorrectAnswerMatters(t *testing.T) {
	a := item("How do you say hello?", 0, "Hola", "Adiós", "Gracias")
	b := item("How do you say hello?", 1, "Hola", "Adiós", "Gracias")

	if Item(a) == Item(b) {
		t.Error("a different correct answer should change the fingerprint")
	}
}

func TestItem_DistinctQuestions(t *testing.T) {
	a := item("How do you say hello?", 0, "Hola", "Adiós")
	b := item("How do you say goodbye?", 0, "Hola", "Adiós")

	if Item(a) == Item(b) {
		t.Error("different questions should have different fingerprints")
	}
}

func TestSession_OrderSensitive(t *testing.T) {
	if Session([]string{"a", "b"}) == Session([]string{"b", "a"}) {
		t.Error("session hash should depend on generation order")
	}
	if Session([]string{"a", "b"}) != Session([]string{"a", "b"}) {
		t.Error("session hash should be deterministic")
	}
}

func TestItems(t *testing.T) {
	batch := []domain.ExerciseItem{
		item("How do you say hello?", 0, "Hola", "Adiós"),
		item("How do you say thanks?", 1, "Hola", "Gracias"),
	}

	hashes, session := Items(batch)
	if len(hashes) != 2 {
		t.Fatalf("len(hashes) = %d, want 2", len(hashes))
	}
	if hashes[0] != Item(batch[0]) || hashes[1] != Item(batch[1]) {
		t.Error("member hashes should match Item() in order")
	}
	if session != Session(hashes) {
		t.Error("session hash should match Session(hashes)")
	}
}
