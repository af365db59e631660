// Package index maintains the inverted term index used for lexical
// ranking. Documents are turns and summaries, keyed by their IDs.
//
// Document frequencies, the document registry and the running mean
// document length share one mutex. Posting lists are split across
// shards by term hash, each with its own lock, so updates touching
// different terms do not contend.
package index

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	numShards   = 32
	numDocLocks = 64
)

// ErrInconsistent marks a posting that refers to a document the caller
// no longer knows about. Callers heal by re-indexing or removing it.
var ErrInconsistent = errors.New("index inconsistency")

// Posting is one document's entry in a term's posting list.
type Posting struct {
	DocID string
	TF    int
}

// Stats are corpus-wide figures used by BM25.
type Stats struct {
	TotalDocs     int
	AverageLength float64
}

type docEntry struct {
	length int
	terms  []string // unique terms, for removal
}

type shard struct {
	mu       sync.RWMutex
	postings map[string]map[string]int // term -> docID -> tf
}

// Index is an incrementally maintained inverted index. Safe for
// concurrent use.
type Index struct {
	minLen int

	mu     sync.Mutex
	df     map[string]int
	docs   map[string]docEntry
	avgLen float64

	shards   [numShards]shard
	docLocks [numDocLocks]sync.Mutex
}

// New creates an empty index that ignores tokens shorter than minLen.
func New(minLen int) *Index {
	if minLen < 1 {
		minLen = DefaultMinTokenLength
	}
	ix := &Index{
		minLen: minLen,
		df:     make(map[string]int),
		docs:   make(map[string]docEntry),
	}
	for i := range ix.shards {
		ix.shards[i].postings = make(map[string]map[string]int)
	}
	return ix
}

// Tokenize applies the index's tokenization rules to text.
func (ix *Index) Tokenize(text string) []string {
	return Tokenize(text, ix.minLen)
}

func (ix *Index) shardFor(term string) *shard {
	return &ix.shards[xxhash.Sum64String(term)%numShards]
}

func (ix *Index) docLock(docID string) *sync.Mutex {
	return &ix.docLocks[xxhash.Sum64String(docID)%numDocLocks]
}

// Index adds or replaces docID's postings. Re-indexing the same
// document with the same text leaves the index unchanged.
func (ix *Index) Index(docID, text string) {
	tokens := ix.Tokenize(text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	terms := make([]string, 0, len(tf))
	for t := range tf {
		terms = append(terms, t)
	}

	dl := ix.docLock(docID)
	dl.Lock()
	defer dl.Unlock()

	ix.mu.Lock()
	old, existed := ix.docs[docID]
	if existed {
		ix.dropStatsLocked(old)
	}
	for _, t := range terms {
		ix.df[t]++
	}
	ix.docs[docID] = docEntry{length: len(tokens), terms: terms}
	n := float64(len(ix.docs))
	ix.avgLen += (float64(len(tokens)) - ix.avgLen) / n
	ix.mu.Unlock()

	if existed {
		for _, t := range old.terms {
			if _, still := tf[t]; !still {
				ix.deletePosting(t, docID)
			}
		}
	}
	for t, count := range tf {
		s := ix.shardFor(t)
		s.mu.Lock()
		list := s.postings[t]
		if list == nil {
			list = make(map[string]int)
			s.postings[t] = list
		}
		list[docID] = count
		s.mu.Unlock()
	}
}

// Remove drops docID from the index. Removing an unknown document
// still clears any stray postings for the given terms.
func (ix *Index) Remove(docID string, strayTerms ...string) bool {
	dl := ix.docLock(docID)
	dl.Lock()
	defer dl.Unlock()

	ix.mu.Lock()
	old, existed := ix.docs[docID]
	if existed {
		ix.dropStatsLocked(old)
		delete(ix.docs, docID)
	}
	ix.mu.Unlock()

	for _, t := range old.terms {
		ix.deletePosting(t, docID)
	}
	for _, t := range strayTerms {
		ix.deletePosting(t, docID)
	}
	return existed
}

// dropStatsLocked backs a document's contribution out of df and the
// running mean. The caller holds ix.mu and still has the doc registered.
func (ix *Index) dropStatsLocked(e docEntry) {
	for _, t := range e.terms {
		if ix.df[t] <= 1 {
			delete(ix.df, t)
		} else {
			ix.df[t]--
		}
	}
	n := float64(len(ix.docs))
	if n <= 1 {
		ix.avgLen = 0
	} else {
		ix.avgLen = (ix.avgLen*n - float64(e.length)) / (n - 1)
	}
}

func (ix *Index) deletePosting(term, docID string) {
	s := ix.shardFor(term)
	s.mu.Lock()
	if list := s.postings[term]; list != nil {
		delete(list, docID)
		if len(list) == 0 {
			delete(s.postings, term)
		}
	}
	s.mu.Unlock()
}

// Lookup returns the posting list for term ordered by DocID. Unknown
// terms yield an empty list.
func (ix *Index) Lookup(term string) []Posting {
	term = strings.ToLower(term)
	s := ix.shardFor(term)
	s.mu.RLock()
	list := s.postings[term]
	out := make([]Posting, 0, len(list))
	for id, tf := range list {
		out = append(out, Posting{DocID: id, TF: tf})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// DocFrequency returns the number of documents containing term.
func (ix *Index) DocFrequency(term string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.df[strings.ToLower(term)]
}

// DocLength returns the token count of an indexed document.
func (ix *Index) DocLength(docID string) (int, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.docs[docID]
	return e.length, ok
}

// Stats returns the document count and mean document length.
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return Stats{TotalDocs: len(ix.docs), AverageLength: ix.avgLen}
}

// Heal removes every document for which known returns false, plus any
// posting whose document is not registered. It returns the number of
// documents removed.
func (ix *Index) Heal(known func(docID string) bool) int {
	ix.mu.Lock()
	var stale []string
	for id := range ix.docs {
		if !known(id) {
			stale = append(stale, id)
		}
	}
	ix.mu.Unlock()

	removed := 0
	for _, id := range stale {
		if ix.Remove(id) {
			removed++
		}
	}

	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.Lock()
		for term, list := range s.postings {
			for id := range list {
				if _, ok := ix.DocLength(id); !ok {
					delete(list, id)
				}
			}
			if len(list) == 0 {
				delete(s.postings, term)
			}
		}
		s.mu.Unlock()
	}
	return removed
}
