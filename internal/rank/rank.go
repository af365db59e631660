// Package rank scores retrieval candidates by a blend of recency, BM25
// lexical relevance, and importance.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/lazypower/recall/internal/index"
)

// BM25 parameters.
const (
	K1 = 1.5
	B  = 0.75

	// idfFloor keeps terms present in most documents from scoring
	// negative. They still contribute, just barely.
	idfFloor = 0.01
)

// Weights blend the three signals into one score. Boost is added flat
// on top of the blend for flagged items; at 1.0 it exceeds the largest
// possible unflagged score, so a flagged item outranks every unflagged
// one whatever their ages.
type Weights struct {
	Recency    float64 `yaml:"recency"`
	Lexical    float64 `yaml:"lexical"`
	Importance float64 `yaml:"importance"`
	Boost      float64 `yaml:"importance_boost"`
}

// DefaultWeights returns 0.3 recency, 0.5 lexical, 0.2 importance and a
// flat 1.0 boost.
func DefaultWeights() Weights {
	return Weights{Recency: 0.3, Lexical: 0.5, Importance: 0.2, Boost: 1.0}
}

// Corpus is the slice of the term index the ranker reads.
type Corpus interface {
	Tokenize(text string) []string
	Lookup(term string) []index.Posting
	DocFrequency(term string) int
	DocLength(docID string) (int, bool)
	Stats() index.Stats
}

// Candidate is an item eligible for retrieval.
type Candidate struct {
	ID        string
	CreatedAt time.Time
	Important bool
}

// Scored is a candidate with its blended score and the components
// that produced it. Lexical is the min-max normalized value.
type Scored struct {
	Candidate
	Score      float64
	Recency    float64
	Lexical    float64
	RawLexical float64
	Importance float64
}

// Ranking is the output of Rank. Inconsistent lists candidate IDs that
// had postings but no registered document length; the caller should
// re-index them.
type Ranking struct {
	Items        []Scored
	Inconsistent []string
}

// Ranker scores candidates against a corpus.
type Ranker struct {
	corpus  Corpus
	weights Weights
}

// New returns a Ranker over corpus using the given weights.
func New(corpus Corpus, weights Weights) *Ranker {
	return &Ranker{corpus: corpus, weights: weights}
}

// Rank scores every candidate and returns them highest first. Ties are
// broken by recency, then by ID. An empty candidate set yields an empty
// ranking.
func (r *Ranker) Rank(query string, cands []Candidate, now time.Time, lambda float64) Ranking {
	return r.RankWeighted(query, cands, now, lambda, r.weights)
}

// RankWeighted is Rank with per-call weights.
func (r *Ranker) RankWeighted(query string, cands []Candidate, now time.Time, lambda float64, w Weights) Ranking {
	if len(cands) == 0 {
		return Ranking{}
	}

	raw, inconsistent := r.lexical(query, cands)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range cands {
		v := raw[c.ID]
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	items := make([]Scored, len(cands))
	for i, c := range cands {
		s := Scored{Candidate: c, RawLexical: raw[c.ID]}
		s.Recency = Recency(c.CreatedAt, now, lambda)
		s.Lexical = normalize(s.RawLexical, lo, hi)
		if c.Important {
			s.Importance = 1
		}
		s.Score = w.Recency*s.Recency + w.Lexical*s.Lexical + (w.Importance+w.Boost)*s.Importance
		items[i] = s
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	return Ranking{Items: items, Inconsistent: inconsistent}
}

// lexical computes raw BM25 scores for the candidates by walking only
// the posting lists of the query's distinct tokens.
func (r *Ranker) lexical(query string, cands []Candidate) (map[string]float64, []string) {
	scores := make(map[string]float64, len(cands))
	terms := index.Unique(r.corpus.Tokenize(query))
	if len(terms) == 0 {
		return scores, nil
	}

	wanted := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		wanted[c.ID] = struct{}{}
	}

	st := r.corpus.Stats()
	n := float64(st.TotalDocs)
	avgdl := st.AverageLength
	if avgdl <= 0 {
		avgdl = 1
	}

	var inconsistent []string
	flagged := make(map[string]bool)
	for _, term := range terms {
		postings := r.corpus.Lookup(term)
		if len(postings) == 0 {
			continue
		}
		idf := IDF(n, float64(r.corpus.DocFrequency(term)))
		for _, p := range postings {
			if _, ok := wanted[p.DocID]; !ok {
				continue
			}
			dl, ok := r.corpus.DocLength(p.DocID)
			if !ok {
				if !flagged[p.DocID] {
					flagged[p.DocID] = true
					inconsistent = append(inconsistent, p.DocID)
				}
				continue
			}
			tf := float64(p.TF)
			scores[p.DocID] += idf * tf * (K1 + 1) / (tf + K1*(1-B+B*float64(dl)/avgdl))
		}
	}
	return scores, inconsistent
}

// IDF is ln((N-df+0.5)/(df+0.5)), floored at a small positive value.
func IDF(n, df float64) float64 {
	idf := math.Log((n - df + 0.5) / (df + 0.5))
	if idf < idfFloor {
		return idfFloor
	}
	return idf
}

// Recency is exp(-lambda * age in hours). Items from the future count
// as age zero.
func Recency(createdAt, now time.Time, lambda float64) float64 {
	age := now.Sub(createdAt).Hours()
	if age < 0 {
		age = 0
	}
	return math.Exp(-lambda * age)
}

func normalize(v, lo, hi float64) float64 {
	if hi == lo {
		if hi > 0 {
			return 1
		}
		return 0
	}
	return (v - lo) / (hi - lo)
}
