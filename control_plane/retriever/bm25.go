package retriever

import (
	"math"
	"regexp"
	"strings"
)

// Okapi BM25 parameters.
const (
	k1      = 1.2
	b       = 0.75
	epsilon = 0.25
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// stopwords carry no intent in operator requests.
var stopwords = map[string]bool{
	"the": true, "my": true, "on": true, "of": true, "to": true, "and": true,
	"please": true, "can": true, "you": true, "for": true, "is": true, "it": true,
	"me": true, "server": true, "machine": true, "this": true, "that": true,
}

// field is a weighted text field; its tokens are repeated weight times.
type field struct {
	text   string
	weight int
}

// index is an immutable BM25 index over a small corpus of batches.
type index struct {
	termFreqs []map[string]int
	lengths   []int
	avgLength float64
	idf       map[string]float64
}

func newIndex(docs [][]field) *index {
	idx := &index{
		termFreqs: make([]map[string]int, len(docs)),
		lengths:   make([]int, len(docs)),
		idf:       make(map[string]float64),
	}

	docFreq := make(map[string]int)
	total := 0
	for i, fields := range docs {
		tf := make(map[string]int)
		n := 0
		for _, f := range fields {
			toks := tokenize(f.text)
			for _, tok := range toks {
				tf[tok] += f.weight
			}
			n += len(toks) * f.weight
		}
		for term := range tf {
			docFreq[term]++
		}
		idx.termFreqs[i] = tf
		idx.lengths[i] = n
		total += n
	}
	if len(docs) > 0 {
		idx.avgLength = float64(total) / float64(len(docs))
	}

	count := float64(len(docs))
	for term, df := range docFreq {
		v := math.Log(1 + (count-float64(df)+0.5)/(float64(df)+0.5))
		if v <= 0 {
			v = epsilon
		}
		idx.idf[term] = v
	}
	return idx
}

// score returns the BM25 relevance of document i for the query tokens.
func (idx *index) score(i int, query []string) float64 {
	if idx.avgLength == 0 {
		return 0
	}
	tf := idx.termFreqs[i]
	dl := float64(idx.lengths[i])

	var s float64
	for _, tok := range query {
		f := float64(tf[tok])
		if f == 0 {
			continue
		}
		s += idx.idf[tok] * f * (k1 + 1) / (f + k1*(1-b+b*dl/idx.avgLength))
	}
	return s
}

// tokenize lowercases text and splits it into alphanumeric runs, dropping
// single characters and stopwords. Duplicate query terms are kept.
func tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := matches[:0]
	for _, m := range matches {
		if len(m) >= 2 && !stopwords[m] {
			out = append(out, m)
		}
	}
	return out
}
