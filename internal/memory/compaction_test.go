package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/memclaw/internal/logger"
)

func seedFacts(t *testing.T, s *Store, ix *Index, n int) string {
	t.Helper()
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, fmt.Sprintf("- [project] fact number %d about the build", i))
	}
	doc := strings.Join(lines, "\n") + "\n"
	require.NoError(t, s.WriteDocument(doc))
	require.NoError(t, ix.ReindexFromFiles(s))
	return doc
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCompactor_ReplyWithoutBulletsChangesNothing(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	doc := seedFacts(t, s, ix, 35)
	before := ix.All()

	c := NewCompactor(ix, s, replyOracle("No changes needed."), CompactorOptions{Logger: logger.Nop()})
	_, ok := c.Run(context.Background())
	require.False(t, ok)

	got, err := s.ReadDocument()
	require.NoError(t, err)
	require.Equal(t, doc, got)
	require.Equal(t, before, ix.All())
	require.True(t, c.LastRun().IsZero())
	require.EqualValues(t, 1, c.Skipped())
	require.Zero(t, c.Runs())
}

func TestCompactor_RunRewritesDocumentAndIndex(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	seedFacts(t, s, ix, 35)

	var req model.Request
	reply := "Consolidated:\n- [project] the build has many facts\n- [tool] uses pnpm"
	o := NewOracle(staticSessions(&fakeSession{reply: reply, last: &req}), OracleOptions{Logger: logger.Nop()})
	c := NewCompactor(ix, s, o, CompactorOptions{Logger: logger.Nop()})

	result, ok := c.Run(context.Background())
	require.True(t, ok)
	require.Equal(t, CompactionResult{Before: 35, After: 2}, result)

	require.Equal(t, compactionSystemPrompt, req.System)
	require.Contains(t, req.Messages[0].Content, "- [project] fact number 34 about the build")

	got, err := s.ReadDocument()
	require.NoError(t, err)
	require.Equal(t, strings.TrimSpace(reply), got)
	require.Equal(t, 2, ix.Count())
	require.Equal(t, "uses pnpm", ix.Search("pnpm", 1)[0].Content)
	require.False(t, c.LastRun().IsZero())
	require.EqualValues(t, 1, c.Runs())
}

func TestCompactor_ShouldRunCooldown(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	seedFacts(t, s, ix, 35)

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCompactor(ix, s, replyOracle("- [project] merged"), CompactorOptions{
		Cooldown: 5 * time.Minute,
		MinFacts: 30,
		Now:      clk.Now,
		Logger:   logger.Nop(),
	})
	require.True(t, c.ShouldRun())

	// Refill the corpus so only the cooldown gates the next run.
	_, ok := c.Run(context.Background())
	require.True(t, ok)
	seedFacts(t, s, ix, 35)

	require.False(t, c.ShouldRun())
	clk.Advance(4 * time.Minute)
	require.False(t, c.ShouldRun())
	clk.Advance(time.Minute)
	require.True(t, c.ShouldRun())
}

func TestCompactor_ShouldRunMinFacts(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	seedFacts(t, s, ix, 29)

	c := NewCompactor(ix, s, replyOracle("- x"), CompactorOptions{MinFacts: 30, Logger: logger.Nop()})
	require.False(t, c.ShouldRun())
	ix.AddFact("one more", CategoryGeneral, DocumentName)
	require.True(t, c.ShouldRun())
}

func TestCompactor_EmptyCorpusSkipsOracle(t *testing.T) {
	s := NewStore(t.TempDir())
	o := replyOracle("- [general] something")
	c := NewCompactor(NewIndex(), s, o, CompactorOptions{Logger: logger.Nop()})

	_, ok := c.Run(context.Background())
	require.False(t, ok)
	require.Zero(t, o.Calls())
}

func TestCompactor_OracleUnavailable(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	doc := seedFacts(t, s, ix, 5)

	c := NewCompactor(ix, s, NewOracle(nil, OracleOptions{Logger: logger.Nop()}), CompactorOptions{Logger: logger.Nop()})
	_, ok := c.Run(context.Background())
	require.False(t, ok)

	got, err := s.ReadDocument()
	require.NoError(t, err)
	require.Equal(t, doc, got)
}

func TestCompactor_ConcurrentRunIsDropped(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	seedFacts(t, s, ix, 5)

	slow := &fakeSession{reply: "- [project] merged", delay: 200 * time.Millisecond}
	o := NewOracle(staticSessions(slow), OracleOptions{Logger: logger.Nop()})
	c := NewCompactor(ix, s, o, CompactorOptions{Logger: logger.Nop()})

	done := make(chan bool, 1)
	go func() {
		_, ok := c.Run(context.Background())
		done <- ok
	}()
	require.Eventually(t, c.Running, time.Second, 5*time.Millisecond)
	require.False(t, c.ShouldRun())

	_, ok := c.Run(context.Background())
	require.False(t, ok, "second run must be dropped while the first is in flight")

	require.True(t, <-done)
	require.False(t, c.Running())
	require.EqualValues(t, 1, o.Calls())
	require.EqualValues(t, 1, c.Runs())
	require.EqualValues(t, 1, c.Skipped())
}

// failingWriter rejects every document write.
type failingWriter struct {
	*Store
}

func (failingWriter) RewriteDocument(func(string) string) error {
	return os.ErrPermission
}

func TestCompactor_WriteFailureKeepsIndex(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	seedFacts(t, s, ix, 5)
	before := ix.All()

	c := NewCompactor(ix, failingWriter{s}, replyOracle("- [project] merged"), CompactorOptions{Logger: logger.Nop()})
	_, ok := c.Run(context.Background())
	require.False(t, ok)
	require.Equal(t, before, ix.All())
	require.True(t, c.LastRun().IsZero())
}

func TestCompactor_ReindexFailureStillMarksRun(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	seedFacts(t, s, ix, 5)
	// An unreadable daily log makes the reindex after the write fail.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "2026-01-01.md"), []byte("- [general] x\n"), 0000))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(s.Dir(), "2026-01-01.md"), 0644) })
	if _, err := os.ReadFile(filepath.Join(s.Dir(), "2026-01-01.md")); err == nil {
		t.Skip("running with permissions that ignore file modes")
	}

	c := NewCompactor(ix, s, replyOracle("- [project] merged"), CompactorOptions{Logger: logger.Nop()})
	_, ok := c.Run(context.Background())
	require.True(t, ok)
	require.False(t, c.LastRun().IsZero())

	got, err := s.ReadDocument()
	require.NoError(t, err)
	require.Equal(t, "- [project] merged", got)
}

func TestFormatFacts(t *testing.T) {
	got := formatFacts([]IndexEntry{
		{Content: "uses pnpm", Category: "tool"},
		{Content: "repo is a monorepo", Category: "project"},
	})
	require.Equal(t, "- [tool] uses pnpm\n- [project] repo is a monorepo", got)
}

// gatedSession blocks compaction requests until release is closed. Other
// requests are answered with other at once.
type gatedSession struct {
	reply   string
	other   string
	entered chan struct{}
	release chan struct{}
}

func newGatedSession(reply, other string) *gatedSession {
	return &gatedSession{
		reply:   reply,
		other:   other,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedSession) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if req.System != compactionSystemPrompt {
		return &model.Response{Message: model.Message{Role: "assistant", Content: g.other}}, nil
	}
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.Response{Message: model.Message{Role: "assistant", Content: g.reply}}, nil
}

func TestCompactor_KeepsFactsAppendedDuringRun(t *testing.T) {
	s := NewStore(t.TempDir())
	ix := NewIndex()
	seedFacts(t, s, ix, 35)

	gate := newGatedSession("- [project] consolidated build facts", "")
	o := NewOracle(staticSessions(gate), OracleOptions{Logger: logger.Nop()})
	c := NewCompactor(ix, s, o, CompactorOptions{Logger: logger.Nop()})

	type outcome struct {
		result CompactionResult
		ok     bool
	}
	done := make(chan outcome, 1)
	go func() {
		r, ok := c.Run(context.Background())
		done <- outcome{r, ok}
	}()

	<-gate.entered
	require.NoError(t, s.AppendDocument("- [tool] user prefers zebra terminal\nnot a bullet"))
	close(gate.release)

	out := <-done
	require.True(t, out.ok)
	require.Equal(t, CompactionResult{Before: 35, After: 2}, out.result)

	got, err := s.ReadDocument()
	require.NoError(t, err)
	require.Equal(t, "- [project] consolidated build facts\n- [tool] user prefers zebra terminal", got)

	results := ix.Search("zebra", 5)
	require.Len(t, results, 1)
	require.Equal(t, "user prefers zebra terminal", results[0].Content)
	require.Equal(t, 2, ix.Count())
}

func TestNewBullets(t *testing.T) {
	snapshot := "- [tool] a\n- [tool] a\n- [tool] b\n"
	current := "- [tool] a\n- [tool] b\n- [tool] a\n- [tool] a\nplain text\n- [tool] c\n"
	require.Equal(t, []string{"- [tool] a", "- [tool] c"}, newBullets(snapshot, current))
	require.Empty(t, newBullets(snapshot, snapshot))
	require.Empty(t, newBullets(snapshot, ""))
}
