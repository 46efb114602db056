package memory

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/memclaw/internal/logger"
)

const (
	DefaultCompactionCooldown = 5 * time.Minute
	DefaultCompactionMinFacts = 30
)

const compactionSystemPrompt = `You consolidate a personal assistant's long-term memory.

Rules:
1. Merge duplicate and near-duplicate facts into one
2. Drop facts that are superseded by newer, contradicting facts (later lines are newer)
3. Keep every piece of unique information
4. Never invent facts that are not in the input
5. Keep the "[category]" tag at the start of each fact
6. Output ONLY a markdown bullet list, one fact per line, each line starting with "- "`

// DocumentStore is the part of the store the compactor rewrites.
type DocumentStore interface {
	DocumentSource
	RewriteDocument(rewrite func(current string) string) error
}

// Compactor consolidates the fact corpus into a smaller knowledge document.
// At most one run is in flight; a request made while busy is dropped.
type Compactor struct {
	index    *Index
	store    DocumentStore
	oracle   *Oracle
	cooldown time.Duration
	minFacts int
	now      func() time.Time
	log      *log.Logger
	commit   sync.Locker

	running atomic.Bool
	mu      sync.Mutex
	lastRun time.Time

	runs    atomic.Int64
	skipped atomic.Int64
}

type CompactorOptions struct {
	Cooldown time.Duration
	MinFacts int
	Now      func() time.Time
	Logger   *log.Logger
	// Commit is held while the corpus is snapshotted and while the result is
	// written and reindexed, never during the oracle call. Writers that pair a
	// store update with an index update should hold it too.
	Commit sync.Locker
}

func NewCompactor(index *Index, store DocumentStore, oracle *Oracle, opts CompactorOptions) *Compactor {
	c := &Compactor{
		index:    index,
		store:    store,
		oracle:   oracle,
		cooldown: opts.Cooldown,
		minFacts: opts.MinFacts,
		now:      opts.Now,
		log:      logger.Component(opts.Logger, "compactor"),
		commit:   opts.Commit,
	}
	if c.commit == nil {
		c.commit = &sync.Mutex{}
	}
	if c.cooldown <= 0 {
		c.cooldown = DefaultCompactionCooldown
	}
	if c.minFacts <= 0 {
		c.minFacts = DefaultCompactionMinFacts
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// ShouldRun reports whether an automatic run is due: idle, past the cooldown
// since the last successful run, and enough facts accumulated.
func (c *Compactor) ShouldRun() bool {
	if c.running.Load() {
		return false
	}
	c.mu.Lock()
	last := c.lastRun
	c.mu.Unlock()
	if !last.IsZero() && c.now().Sub(last) < c.cooldown {
		return false
	}
	return c.index.Count() >= c.minFacts
}

// MarkRun records a successful run at the current time.
func (c *Compactor) MarkRun() {
	c.mu.Lock()
	c.lastRun = c.now()
	c.mu.Unlock()
}

// LastRun returns the time of the last successful run, zero if none.
func (c *Compactor) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

func (c *Compactor) Running() bool {
	return c.running.Load()
}

// Run consolidates the corpus. ok is false when the run was skipped: already
// running, nothing to compact, oracle unavailable, or a reply without bullets.
// A skipped run never touches the store or the index. Bullets appended to the
// document while the oracle was busy are carried over into the result.
func (c *Compactor) Run(ctx context.Context) (result CompactionResult, ok bool) {
	if !c.running.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		return CompactionResult{}, false
	}
	defer c.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("compaction panicked", "panic", r)
			c.skipped.Add(1)
			result, ok = CompactionResult{}, false
		}
	}()

	c.commit.Lock()
	facts := c.index.All()
	snapshot, err := c.store.ReadDocument()
	c.commit.Unlock()
	if err != nil {
		c.log.Error("read document for compaction", "err", err)
		c.skipped.Add(1)
		return CompactionResult{}, false
	}
	if len(facts) == 0 {
		c.skipped.Add(1)
		return CompactionResult{}, false
	}

	reply, available := c.oracle.Call(ctx, compactionSystemPrompt, "Facts:\n"+formatFacts(facts))
	if !available {
		c.skipped.Add(1)
		return CompactionResult{}, false
	}

	doc := strings.TrimSpace(reply)
	if countBullets(doc) == 0 {
		c.log.Warn("compaction reply rejected: no bullet lines", "reply", truncate(doc, 200))
		c.skipped.Add(1)
		return CompactionResult{}, false
	}

	c.commit.Lock()
	defer c.commit.Unlock()
	var written string
	err = c.store.RewriteDocument(func(current string) string {
		added := newBullets(snapshot, current)
		if len(added) > 0 {
			c.log.Info("keeping facts added during compaction", "facts", len(added))
		}
		written = strings.Join(append([]string{doc}, added...), "\n")
		return written
	})
	if err != nil {
		c.log.Error("write compacted document", "err", err)
		c.skipped.Add(1)
		return CompactionResult{}, false
	}
	if err := c.index.ReindexFromFiles(c.store); err != nil {
		c.log.Error("reindex after compaction", "err", err)
	}
	after := countBullets(written)
	c.MarkRun()
	c.runs.Add(1)

	result = CompactionResult{Before: len(facts), After: after}
	c.log.Info("compaction finished", "before", result.Before, "after", result.After)
	return result, true
}

// Runs reports successful compactions.
func (c *Compactor) Runs() int64 {
	return c.runs.Load()
}

// Skipped reports runs that returned without writing.
func (c *Compactor) Skipped() int64 {
	return c.skipped.Load()
}

// newBullets returns the bullet lines of current that snapshot does not hold,
// counting duplicates, in document order.
func newBullets(snapshot, current string) []string {
	seen := make(map[string]int)
	for _, line := range strings.Split(snapshot, "\n") {
		seen[strings.TrimSpace(line)]++
	}
	var added []string
	for _, line := range strings.Split(current, "\n") {
		line = strings.TrimSpace(line)
		if seen[line] > 0 {
			seen[line]--
			continue
		}
		if _, _, ok := parseBullet(line); ok {
			added = append(added, line)
		}
	}
	return added
}

func formatFacts(facts []IndexEntry) string {
	var sb strings.Builder
	for _, f := range facts {
		sb.WriteString("- [")
		sb.WriteString(f.Category)
		sb.WriteString("] ")
		sb.WriteString(f.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
