package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/memclaw/internal/cron"
	"github.com/stellarlinkco/memclaw/internal/logger"
)

const (
	extractJobName = "memory-extract"
	compactJobName = "memory-compact"
)

// Options configures a Service. Zero values fall back to package defaults.
type Options struct {
	Workspace          string
	DBPath             string
	Oracle             *Oracle
	ExtractWindow      int
	RecentDays         int
	CompactionCooldown time.Duration
	CompactionMinFacts int
	CompactionSchedule string
	Watch              bool
	WatchDebounce      time.Duration
	Logger             *log.Logger
	Now                func() time.Time
}

// Service wires the store, index, extractor, usage monitor and compactor into
// the memory pipeline and exposes the operations of the tool surface.
type Service struct {
	store     *Store
	index     *Index
	oracle    *Oracle
	extractor *Extractor
	monitor   *UsageMonitor
	compactor *Compactor
	buffer    *TurnBuffer
	scheduler *cron.Service
	watcher   *Watcher
	log       *log.Logger

	recentDays    int
	schedule      string
	watch         bool
	watchDebounce time.Duration

	// docMu pairs each store write with its index update, so a reindex never
	// interleaves between them.
	docMu sync.Mutex

	settingsMu sync.RWMutex
	settings   Settings

	inflight sync.Map // conversation id -> struct{}

	bgMu     sync.Mutex
	bgClosed bool
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	extractions       atomic.Int64
	failedExtractions atomic.Int64

	closeOnce sync.Once
}

func NewService(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.Workspace) == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	l := logger.Component(opts.Logger, "memory")

	store := NewStore(opts.Workspace)
	if opts.Now != nil {
		store.now = opts.Now
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(store.Dir(), ".turns.db")
	}
	buffer, err := NewTurnBuffer(dbPath)
	if err != nil {
		return nil, err
	}

	oracle := opts.Oracle
	if oracle == nil {
		oracle = NewOracle(nil, OracleOptions{Logger: opts.Logger})
	}

	index := NewIndex()
	if err := index.ReindexFromFiles(store); err != nil {
		l.Warn("initial reindex failed, starting empty", "err", err)
	}

	recentDays := opts.RecentDays
	if recentDays <= 0 {
		recentDays = 3
	}
	schedule := opts.CompactionSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}

	s := &Service{
		store:         store,
		index:         index,
		oracle:        oracle,
		buffer:        buffer,
		log:           l,
		extractor:     NewExtractor(oracle, opts.ExtractWindow, opts.Logger),
		scheduler:     cron.NewService(opts.Logger),
		recentDays:    recentDays,
		schedule:      schedule,
		watch:         opts.Watch,
		watchDebounce: opts.WatchDebounce,
		settings:      LoadSettings(store),
	}
	s.compactor = NewCompactor(index, store, oracle, CompactorOptions{
		Cooldown: opts.CompactionCooldown,
		MinFacts: opts.CompactionMinFacts,
		Now:      opts.Now,
		Logger:   opts.Logger,
		Commit:   &s.docMu,
	})
	s.monitor = NewUsageMonitor(s.settings.FlushThreshold, s.onFlush)
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	return s, nil
}

// Start registers the background jobs and, when enabled, the file watcher.
func (s *Service) Start(ctx context.Context) error {
	interval := time.Duration(s.Settings().ExtractIntervalSeconds) * time.Second
	if err := s.scheduler.AddEvery(extractJobName, interval, s.sweep); err != nil {
		return err
	}
	if err := s.scheduler.AddSchedule(compactJobName, s.schedule, s.compactIfDue); err != nil {
		return err
	}
	s.scheduler.Start(ctx)

	if s.watch {
		w, err := NewWatcher(s.store.Dir(), s.watchDebounce, s.reindex, s.log)
		if err != nil {
			s.log.Warn("file watcher disabled", "err", err)
		} else {
			s.watcher = w
			w.Start(ctx)
		}
	}
	s.log.Info("memory pipeline started", "facts", s.index.Count(), "extractEvery", interval)
	return nil
}

// Close stops background work and releases the turn buffer.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.scheduler.Stop()
		if s.watcher != nil {
			if werr := s.watcher.Close(); werr != nil {
				s.log.Debug("close watcher", "err", werr)
			}
		}
		s.bgMu.Lock()
		s.bgClosed = true
		s.bgMu.Unlock()
		s.bgCancel()
		s.wg.Wait()
		err = s.buffer.Close()
	})
	return err
}

func (s *Service) ReadDocument() (string, error) {
	return s.store.ReadDocument()
}

// WriteDocument replaces the knowledge document and rebuilds the index.
func (s *Service) WriteDocument(text string) error {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	if err := s.store.WriteDocument(text); err != nil {
		return err
	}
	return s.index.ReindexFromFiles(s.store)
}

// AppendDocument appends text and indexes its bullet lines.
func (s *Service) AppendDocument(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("content is required")
	}
	s.docMu.Lock()
	defer s.docMu.Unlock()
	if err := s.store.AppendDocument(text); err != nil {
		return err
	}
	s.index.AddBullets(text, DocumentName)
	return nil
}

// ReadDailyLog reads the log for date; an empty date means today.
func (s *Service) ReadDailyLog(date string) (string, error) {
	if date == "" {
		date = s.store.Today()
	}
	return s.store.ReadDailyLog(date)
}

// AppendDailyLog appends an entry to the log for date (today when empty) and
// indexes its bullet lines.
func (s *Service) AppendDailyLog(date, entry string) error {
	if strings.TrimSpace(entry) == "" {
		return fmt.Errorf("content is required")
	}
	if date == "" {
		date = s.store.Today()
	}
	s.docMu.Lock()
	defer s.docMu.Unlock()
	if err := s.store.AppendDailyLog(date, entry); err != nil {
		return err
	}
	s.index.AddBullets(entry, DailySource(date))
	return nil
}

func (s *Service) ListDailyLogDates() ([]string, error) {
	return s.store.ListDailyLogDates()
}

func (s *Service) Search(query string, limit int) []SearchResult {
	return s.index.Search(query, limit)
}

func (s *Service) IndexStats() IndexStats {
	return s.index.Stats()
}

// MemoryContext renders the knowledge document and recent logs for prompts.
func (s *Service) MemoryContext() string {
	return s.store.MemoryContext(s.recentDays)
}

func (s *Service) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// UpdateSettings merges patch over the current settings, persists the result
// and applies it to the running pipeline.
func (s *Service) UpdateSettings(patch SettingsPatch) (Settings, error) {
	s.settingsMu.Lock()
	next := s.settings.Apply(patch)
	if err := SaveSettings(s.store, next); err != nil {
		s.settingsMu.Unlock()
		return s.Settings(), err
	}
	prev := s.settings
	s.settings = next
	s.settingsMu.Unlock()

	s.monitor.SetThreshold(next.FlushThreshold)
	if next.ExtractIntervalSeconds != prev.ExtractIntervalSeconds {
		interval := time.Duration(next.ExtractIntervalSeconds) * time.Second
		if err := s.scheduler.RescheduleEvery(extractJobName, interval); err != nil {
			s.log.Debug("extract job not rescheduled", "err", err)
		}
	}
	return next, nil
}

func (s *Service) Stats() (Stats, error) {
	dates, err := s.store.ListDailyLogDates()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalFacts:        s.index.Count(),
		DailyLogs:         len(dates),
		OracleCalls:       s.oracle.Calls(),
		OracleUnavailable: s.oracle.Unavailable(),
		Extractions:       s.extractions.Load(),
		FailedExtractions: s.failedExtractions.Load(),
		Compactions:       s.compactor.Runs(),
		SkippedCompaction: s.compactor.Skipped(),
	}, nil
}

// Jobs reports the state of the background jobs.
func (s *Service) Jobs() []cron.JobState {
	return s.scheduler.Jobs()
}

// Compact runs compaction now, ignoring cooldown and fact threshold.
func (s *Service) Compact(ctx context.Context) (CompactionResult, bool) {
	return s.compactor.Run(ctx)
}

// RecordTurn buffers a conversation message for later extraction.
func (s *Service) RecordTurn(conversationID, role, content string) error {
	if !s.Settings().Enabled {
		return nil
	}
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	_, err := s.buffer.Append(conversationID, role, content)
	return err
}

// OnUsage forwards a context utilization report to the usage monitor.
func (s *Service) OnUsage(conversationID string, used, max int) {
	st := s.Settings()
	if !st.Enabled || !st.AutoExtract {
		return
	}
	s.monitor.OnUsage(conversationID, used, max)
}

// OnCompactionComplete re-arms the flush signal once the host has compacted
// the conversation's context.
func (s *Service) OnCompactionComplete(conversationID string) {
	s.monitor.OnCompactionComplete(conversationID)
}

// ExtractNow extracts the pending turns of one conversation synchronously.
// It returns the number of facts stored; ok is false when the oracle was
// unavailable or another extraction of the same conversation is in flight.
func (s *Service) ExtractNow(ctx context.Context, conversationID string) (int, bool) {
	return s.extractConversation(ctx, conversationID)
}

func (s *Service) onFlush(conversationID string) {
	s.background(func(ctx context.Context) {
		defer s.monitor.OnCompactionComplete(conversationID)
		if n, ok := s.extractConversation(ctx, conversationID); ok {
			s.log.Debug("flush extraction", "conversation", conversationID, "facts", n)
		}
	})
}

func (s *Service) extractConversation(ctx context.Context, conversationID string) (int, bool) {
	if _, busy := s.inflight.LoadOrStore(conversationID, struct{}{}); busy {
		return 0, false
	}
	defer s.inflight.Delete(conversationID)

	turns, err := s.buffer.Pending(conversationID)
	if err != nil {
		s.log.Error("load pending turns", "conversation", conversationID, "err", err)
		return 0, false
	}
	if len(turns) == 0 {
		return 0, true
	}

	facts, ok := s.extractor.Extract(ctx, TurnsToMessages(turns))
	if !ok {
		s.failedExtractions.Add(1)
		return 0, false
	}
	if err := s.persistFacts(conversationID, facts); err != nil {
		s.log.Error("persist facts", "conversation", conversationID, "err", err)
		s.failedExtractions.Add(1)
		return 0, false
	}
	if err := s.buffer.Advance(conversationID, turns[len(turns)-1].ID); err != nil {
		s.log.Error("advance extraction cursor", "conversation", conversationID, "err", err)
	}
	s.extractions.Add(1)

	if s.compactor.ShouldRun() {
		s.background(func(ctx context.Context) { s.compactor.Run(ctx) })
	}
	return len(facts), true
}

func (s *Service) persistFacts(conversationID string, facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, f.Bullet())
	}
	block := strings.Join(lines, "\n")
	s.docMu.Lock()
	defer s.docMu.Unlock()
	if err := s.store.AppendDocument(block); err != nil {
		return err
	}
	s.index.AddBullets(block, DocumentName)

	note := fmt.Sprintf("%s extracted %d facts (conversation %s)", s.store.now().Format("15:04:05"), len(facts), conversationID)
	if err := s.store.AppendDailyLog(s.store.Today(), note); err != nil {
		s.log.Warn("daily log note", "err", err)
	}
	s.log.Info("facts extracted", "conversation", conversationID, "facts", len(facts))
	return nil
}

// sweep extracts every conversation with enough new turns.
func (s *Service) sweep(ctx context.Context) error {
	st := s.Settings()
	if !st.Enabled || !st.AutoExtract {
		return nil
	}
	ids, err := s.buffer.PendingConversations(st.MinNewMessages)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.extractConversation(ctx, id)
	}
	n, err := s.buffer.Prune()
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Debug("pruned extracted turns", "turns", n)
	}
	return nil
}

func (s *Service) compactIfDue(ctx context.Context) error {
	if !s.Settings().Enabled || !s.compactor.ShouldRun() {
		return nil
	}
	s.compactor.Run(ctx)
	return nil
}

func (s *Service) reindex() {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	if err := s.index.ReindexFromFiles(s.store); err != nil {
		s.log.Warn("reindex after file change", "err", err)
		return
	}
	s.log.Debug("reindexed after file change", "facts", s.index.Count())
}

func (s *Service) background(fn func(ctx context.Context)) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.bgClosed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.bgCtx)
	}()
}
