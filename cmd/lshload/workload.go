package main

import (
	"fmt"
	"math/rand"
	"strings"
)

var (
	givenNames = []string{"john", "mary", "james", "margaret", "william", "elizabeth", "robert", "agnes", "thomas", "janet"}
	surnames   = []string{"smith", "brown", "wilson", "campbell", "stewart", "thomson", "robertson", "anderson", "macdonald", "scott"}
	places     = []string{"edinburgh", "glasgow", "dundee", "aberdeen", "inverness", "perth", "stirling", "paisley", "leith", "ayr"}
)

// Workload generates person-like records in which a share are corrupted
// copies of earlier ones, so lookups return non-trivial blocks.
type Workload struct {
	rng       *rand.Rand
	next      int
	typoRate  float64
	generated []string
}

func NewWorkload(seed int64, typoRate float64) *Workload {
	return &Workload{rng: rand.New(rand.NewSource(seed)), typoRate: typoRate}
}

// NextRecord returns a fresh ID and its text. Not safe for concurrent use.
func (w *Workload) NextRecord() (string, string) {
	var text string
	if len(w.generated) > 0 && w.rng.Float64() < 0.5 {
		text = w.corrupt(w.generated[w.rng.Intn(len(w.generated))])
	} else {
		text = strings.Join([]string{
			givenNames[w.rng.Intn(len(givenNames))],
			surnames[w.rng.Intn(len(surnames))],
			fmt.Sprintf("%d", 1850+w.rng.Intn(60)),
			places[w.rng.Intn(len(places))],
		}, " ")
	}
	w.generated = append(w.generated, text)
	w.next++
	return fmt.Sprintf("load-%d", w.next), text
}

// NextQuery returns a corrupted copy of a generated record, or a fresh
// record text when nothing was generated yet.
func (w *Workload) NextQuery() string {
	if len(w.generated) == 0 {
		_, text := w.NextRecord()
		return text
	}
	return w.corrupt(w.generated[w.rng.Intn(len(w.generated))])
}

// corrupt applies one substitution, deletion or transposition per typoRate
// share of characters, always at least one.
func (w *Workload) corrupt(text string) string {
	b := []byte(text)
	edits := max(1, int(w.typoRate*float64(len(b))))
	for i := 0; i < edits && len(b) > 2; i++ {
		pos := w.rng.Intn(len(b) - 1)
		switch w.rng.Intn(3) {
		case 0:
			b[pos] = byte('a' + w.rng.Intn(26))
		case 1:
			b = append(b[:pos], b[pos+1:]...)
		default:
			b[pos], b[pos+1] = b[pos+1], b[pos]
		}
	}
	return string(b)
}
