// Package match pairs freshly extracted stories with the stories already
// linked to an epic, by title similarity.
//
// Matching is greedy: candidates claim existing stories one at a time, and
// a claimed story is out of the pool for the rest of the pass. This keeps
// one extracted story from updating two tracker items (and vice versa).
package match

import (
	"strings"
	"unicode"
)

// Threshold is the minimum similarity for two titles to count as the same
// story.
const Threshold = 0.6

// Scorer returns a similarity in [0, 1] between two titles.
type Scorer func(a, b string) float64

// Similarity is the default Scorer: the higher of a normalized edit-distance
// ratio and a token-overlap ratio. Edit distance catches rewording of short
// titles; token overlap catches reordered or partially rewritten ones.
func Similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	lev := levenshteinRatio(na, nb)
	if tok := tokenOverlap(na, nb); tok > lev {
		return tok
	}
	return lev
}

// Pool tracks which existing stories are still available to be claimed.
type Pool struct {
	titles  []string
	claimed []bool
	score   Scorer
}

// NewPool builds a pool over the existing story titles. A nil scorer means
// Similarity.
func NewPool(titles []string, score Scorer) *Pool {
	if score == nil {
		score = Similarity
	}
	return &Pool{
		titles:  titles,
		claimed: make([]bool, len(titles)),
		score:   score,
	}
}

// Claim finds the best unclaimed title scoring at least Threshold against
// title, marks it claimed, and returns its index and score. Ties go to the
// earliest index. ok is false when nothing clears the threshold.
func (p *Pool) Claim(title string) (idx int, score float64, ok bool) {
	best := -1
	bestScore := 0.0
	for i, t := range p.titles {
		if p.claimed[i] {
			continue
		}
		if s := p.score(title, t); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 || bestScore < Threshold {
		return 0, 0, false
	}
	p.claimed[best] = true
	return best, bestScore, true
}

// Unclaimed returns the indices of titles no candidate claimed.
func (p *Pool) Unclaimed() []int {
	var out []int
	for i, c := range p.claimed {
		if !c {
			out = append(out, i)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

func levenshteinRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// tokenOverlap is the Jaccard ratio over lowercase word sets.
func tokenOverlap(a, b string) float64 {
	ta := tokens(a)
	tb := tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for w := range ta {
		if tb[w] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = true
	}
	return out
}
