// Package fingerprint derives stable content digests for exercises and batches.
package fingerprint

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

const (
	fieldSep  = "\x1f"
	optionSep = "\x1e"
	memberSep = "|"
)

var (
	// enumeration matches leading option labels such as "A)", "b.", "(c)", "1:".
	enumeration = regexp.MustCompile(`^\s*(?:\([a-zA-Z0-9]\)|[a-zA-Z0-9][\)\.:])\s+`)
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Normalize lowercases text, strips punctuation and collapses whitespace.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = punctuation.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeOption strips a leading enumeration label before normalizing.
func NormalizeOption(option string) string {
	return Normalize(enumeration.ReplaceAllString(option, ""))
}

// Canonical returns the canonical string an item's hash is computed from:
// normalized question, sorted normalized options, and the correct option's text.
func Canonical(item domain.ExerciseItem) string {
	options := make([]string, len(item.Options))
	for i, opt := range item.Options {
		options[i] = NormalizeOption(opt)
	}
	sort.Strings(options)

	correct, _ := item.CorrectOption()

	var b strings.Builder
	b.WriteString(Normalize(item.Question))
	b.WriteString(fieldSep)
	b.WriteString(strings.Join(options, optionSep))
	b.WriteString(fieldSep)
	b.WriteString(NormalizeOption(correct))
	return b.String()
}

// Item returns the 64-bit hex digest of an exercise.
// Shuffling options does not change it as long as the correct text is unchanged.
func Item(item domain.ExerciseItem) string {
	return digest(Canonical(item))
}

// Session returns the digest of a batch over its member hashes in generation order.
func Session(memberHashes []string) string {
	return digest(strings.Join(memberHashes, memberSep))
}

// Items fingerprints a batch, returning member hashes in order and the session hash.
func Items(items []domain.ExerciseItem) ([]string, string) {
	hashes := make([]string, len(items))
	for i, item := range items {
		hashes[i] = Item(item)
	}
	return hashes, Session(hashes)
}

func digest(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}
