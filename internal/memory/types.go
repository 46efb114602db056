package memory

import "strings"

// Fact categories accepted from the oracle.
const (
	CategoryPreference = "preference"
	CategoryProject    = "project"
	CategoryWorkflow   = "workflow"
	CategoryTool       = "tool"
	CategoryConvention = "convention"
	CategoryGeneral    = "general"
)

// MinConfidence is the lowest oracle confidence a fact may carry and survive extraction.
const MinConfidence = 0.7

var categories = map[string]struct{}{
	CategoryPreference: {},
	CategoryProject:    {},
	CategoryWorkflow:   {},
	CategoryTool:       {},
	CategoryConvention: {},
	CategoryGeneral:    {},
}

// Fact is a short, confidence-scored statement extracted from conversation.
type Fact struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Bullet renders the fact as a knowledge document line.
func (f Fact) Bullet() string {
	return "- [" + NormalizeCategory(f.Category) + "] " + strings.TrimSpace(f.Content)
}

// NormalizeCategory maps unknown or empty categories to CategoryGeneral.
func NormalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if _, ok := categories[c]; ok {
		return c
	}
	return CategoryGeneral
}

// Message is one conversation message handed to the extractor.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is a buffered conversation message awaiting extraction.
type Turn struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	TokenCount     int
	CreatedAt      string
}

// IndexEntry is one fact held by the lexical index.
type IndexEntry struct {
	ID       int    `json:"id"`
	Content  string `json:"content"`
	Category string `json:"category"`
	Source   string `json:"source"`
}

// SearchResult is an index entry with its BM25 score.
type SearchResult struct {
	IndexEntry
	Score float64 `json:"score"`
}

// IndexStats summarizes the lexical index.
type IndexStats struct {
	TotalFacts int     `json:"totalFacts"`
	Terms      int     `json:"terms"`
	AvgLength  float64 `json:"avgLength"`
	Sources    int     `json:"sources"`
}

// CompactionResult reports a successful compaction.
type CompactionResult struct {
	Before int `json:"beforeCount"`
	After  int `json:"afterCount"`
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	TotalFacts        int   `json:"totalFacts"`
	DailyLogs         int   `json:"dailyLogs"`
	OracleCalls       int64 `json:"oracleCalls"`
	OracleUnavailable int64 `json:"oracleUnavailable"`
	Extractions       int64 `json:"extractions"`
	FailedExtractions int64 `json:"failedExtractions"`
	Compactions       int64 `json:"compactions"`
	SkippedCompaction int64 `json:"skippedCompactions"`
}

// parseBullet splits "- [category] content" into its parts. ok is false for
// lines that are not bullets or carry no content.
func parseBullet(line string) (content, category string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "- ") {
		return "", "", false
	}
	content = strings.TrimSpace(line[2:])
	category = CategoryGeneral
	if strings.HasPrefix(content, "[") {
		if end := strings.Index(content, "]"); end > 0 {
			tag := strings.ToLower(strings.TrimSpace(content[1:end]))
			if _, known := categories[tag]; known {
				category = tag
				content = strings.TrimSpace(content[end+1:])
			}
		}
	}
	if content == "" {
		return "", "", false
	}
	return content, category, true
}

// countBullets counts lines starting with "- ".
func countBullets(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if _, _, ok := parseBullet(line); ok {
			n++
		}
	}
	return n
}
