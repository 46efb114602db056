package memory

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	bm25K1             = 1.5
	bm25B              = 0.75
	defaultSearchLimit = 10
)

// DocumentSource is the read side of the store the index rebuilds from.
type DocumentSource interface {
	ReadDocument() (string, error)
	ListDailyLogDates() ([]string, error)
	ReadDailyLog(date string) (string, error)
}

type indexedFact struct {
	entry  IndexEntry
	tf     map[string]int
	length int
}

// indexState holds the entries and derived BM25 statistics. A state is never
// mutated after it has been swapped out by a rebuild.
type indexState struct {
	nextID   int
	facts    map[int]*indexedFact
	order    []int
	df       map[string]int
	totalLen int
}

func newIndexState() *indexState {
	return &indexState{
		facts: make(map[int]*indexedFact),
		df:    make(map[string]int),
	}
}

func (st *indexState) add(text, category, source string) int {
	tokens := tokenize(text)
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	for term := range tf {
		st.df[term]++
	}

	st.nextID++
	id := st.nextID
	st.facts[id] = &indexedFact{
		entry: IndexEntry{
			ID:       id,
			Content:  text,
			Category: NormalizeCategory(category),
			Source:   source,
		},
		tf:     tf,
		length: len(tokens),
	}
	st.order = append(st.order, id)
	st.totalLen += len(tokens)
	return id
}

func (st *indexState) addBullets(text, source string) {
	for _, line := range strings.Split(text, "\n") {
		content, category, ok := parseBullet(line)
		if !ok {
			continue
		}
		st.add(content, category, source)
	}
}

// Index is an in-memory BM25 inverted index over facts.
type Index struct {
	mu    sync.RWMutex
	state *indexState
}

func NewIndex() *Index {
	return &Index{state: newIndexState()}
}

// AddFact indexes one fact and returns its id. Blank text is ignored and
// yields 0, which is never a valid id.
func (ix *Index) AddFact(text, category, source string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state.add(text, category, source)
}

// AddBullets indexes every bullet line of text under source.
func (ix *Index) AddBullets(text, source string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.state.addBullets(text, source)
}

// All returns every entry in insertion order.
func (ix *Index) All() []IndexEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]IndexEntry, 0, len(ix.state.order))
	for _, id := range ix.state.order {
		out = append(out, ix.state.facts[id].entry)
	}
	return out
}

func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.state.facts)
}

func (ix *Index) Stats() IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := ix.state
	sources := make(map[string]struct{})
	for _, f := range st.facts {
		sources[f.entry.Source] = struct{}{}
	}
	stats := IndexStats{
		TotalFacts: len(st.facts),
		Terms:      len(st.df),
		Sources:    len(sources),
	}
	if len(st.facts) > 0 {
		stats.AvgLength = float64(st.totalLen) / float64(len(st.facts))
	}
	return stats
}

// ReindexFromFiles discards the index and rebuilds it from every bullet line of
// the knowledge document and the daily logs. On a read error the previous
// index is kept.
func (ix *Index) ReindexFromFiles(src DocumentSource) error {
	next := newIndexState()

	doc, err := src.ReadDocument()
	if err != nil {
		return err
	}
	next.addBullets(doc, DocumentName)

	dates, err := src.ListDailyLogDates()
	if err != nil {
		return err
	}
	// Oldest first so recency tie-breaks favour newer logs.
	for i := len(dates) - 1; i >= 0; i-- {
		text, err := src.ReadDailyLog(dates[i])
		if err != nil {
			return err
		}
		next.addBullets(text, DailySource(dates[i]))
	}

	ix.mu.Lock()
	ix.state = next
	ix.mu.Unlock()
	return nil
}

// Search ranks facts against query with BM25. limit <= 0 means 10.
func (ix *Index) Search(query string, limit int) []SearchResult {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	terms := uniqueTerms(tokenize(query))
	if len(terms) == 0 {
		return []SearchResult{}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := ix.state
	n := len(st.facts)
	if n == 0 {
		return []SearchResult{}
	}
	avgLen := float64(st.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	idf := make(map[string]float64, len(terms))
	for _, term := range terms {
		df := st.df[term]
		if df == 0 {
			continue
		}
		idf[term] = math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
	}
	if len(idf) == 0 {
		return []SearchResult{}
	}

	results := make([]SearchResult, 0)
	for _, id := range st.order {
		f := st.facts[id]
		score := 0.0
		for _, term := range terms {
			w, ok := idf[term]
			tf := float64(f.tf[term])
			if !ok || tf == 0 {
				continue
			}
			denom := tf + bm25K1*(1-bm25B+bm25B*(float64(f.length)/avgLen))
			score += w * (tf * (bm25K1 + 1)) / denom
		}
		if score > 0 {
			results = append(results, SearchResult{IndexEntry: f.entry, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID > results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// tokenize lowercases text and splits it into alphanumeric runs.
func tokenize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lowered := cases.Lower(language.Und).String(norm.NFKC.String(text))
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
