package knowledge

import (
	"math"
	"sort"
	"strings"
)

// BM25 parameters. k1 tempers term-frequency saturation, b scales the
// length normalization.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Tokenize lowercases and strips punctuation, dropping words too short to
// discriminate. Used both at ingest (the stored terms column) and at query
// time.
func Tokenize(text string) []string {
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if len(word) > 2 {
			terms = append(terms, word)
		}
	}
	return terms
}

type lexicalCandidate struct {
	chunk   Chunk
	docName string
	terms   []string
}

type lexicalHit struct {
	chunk   Chunk
	docName string
	score   float64
}

// rankBM25 scores candidates against the query and returns them best
// first, dropping zero-score rows.
func rankBM25(query []string, candidates []lexicalCandidate, limit int) []lexicalHit {
	if len(query) == 0 || len(candidates) == 0 {
		return nil
	}

	// Corpus statistics over the candidate set.
	docFreq := make(map[string]int)
	totalLen := 0
	for _, cand := range candidates {
		totalLen += len(cand.terms)
		seen := map[string]bool{}
		for _, term := range cand.terms {
			if !seen[term] {
				seen[term] = true
				docFreq[term]++
			}
		}
	}
	avgLen := float64(totalLen) / float64(len(candidates))
	n := float64(len(candidates))

	var hits []lexicalHit
	for _, cand := range candidates {
		freq := make(map[string]float64)
		for _, term := range cand.terms {
			freq[term]++
		}

		score := 0.0
		for _, term := range query {
			tf := freq[term]
			if tf == 0 {
				continue
			}
			df := float64(docFreq[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := 1 - bm25B + bm25B*float64(len(cand.terms))/avgLen
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
		if score > 0 {
			hits = append(hits, lexicalHit{chunk: cand.chunk, docName: cand.docName, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
