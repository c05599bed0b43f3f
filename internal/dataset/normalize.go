package dataset

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize prepares free text for shingling: NFC composition, lower case,
// every run of non-alphanumeric runes collapsed to one space, trimmed.
// Records that differ only in punctuation or accent encoding normalize to
// the same text. The index itself never normalizes.
func Normalize(text string) string {
	text = strings.ToLower(norm.NFC.String(text))
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}
