// Package shingle splits record text into overlapping fixed-width character
// n-grams (q-grams). Width is measured in runes, not bytes.
package shingle

// Extract returns the shingles of width q in left-to-right order. A record
// with n runes yields exactly n-q+1 shingles; records shorter than q, and any
// q < 1, yield none.
func Extract(q int, record string) []string {
	if q < 1 {
		return nil
	}
	offsets := runeOffsets(record)
	n := len(offsets) - 1
	if n < q {
		return nil
	}
	shingles := make([]string, 0, n-q+1)
	for i := 0; i+q <= n; i++ {
		shingles = append(shingles, record[offsets[i]:offsets[i+q]])
	}
	return shingles
}

// Count is the number of shingles a record of n runes produces.
func Count(q, n int) int {
	if q < 1 || n < q {
		return 0
	}
	return n - q + 1
}

// Unique drops repeated shingles, keeping first occurrences in order. MinHash
// values depend only on the shingle set, so callers may hash the unique set.
func Unique(shingles []string) []string {
	if len(shingles) < 2 {
		return shingles
	}
	seen := make(map[string]struct{}, len(shingles))
	out := make([]string, 0, len(shingles))
	for _, s := range shingles {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// runeOffsets returns the byte offset of every rune plus a final len(s).
func runeOffsets(s string) []int {
	offsets := make([]int, 0, len(s)+1)
	for i := range s {
		offsets = append(offsets, i)
	}
	return append(offsets, len(s))
}
