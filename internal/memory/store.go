package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DocumentName is the file name of the cumulative knowledge document.
	DocumentName = "MEMORY.md"
	settingsName = "settings.json"
	dateLayout   = "2006-01-02"
)

// ErrInvalidDate is returned when a daily log date is not a YYYY-MM-DD calendar date.
var ErrInvalidDate = errors.New("invalid date")

var (
	datePattern      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dailyFilePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.md$`)
)

// Store persists the knowledge document, the daily logs and the settings record
// as plain files under <workspace>/memory.
type Store struct {
	workspace string
	now       func() time.Time

	mu sync.Mutex
}

func NewStore(workspace string) *Store {
	return &Store{workspace: workspace, now: time.Now}
}

func (s *Store) memoryDir() string {
	return filepath.Join(s.workspace, "memory")
}

func (s *Store) documentFile() string {
	return filepath.Join(s.memoryDir(), DocumentName)
}

func (s *Store) dailyFile(date string) string {
	return filepath.Join(s.memoryDir(), DailySource(date))
}

func (s *Store) todayFile() string {
	return s.dailyFile(s.Today())
}

// Dir returns the directory holding all memory files.
func (s *Store) Dir() string {
	return s.memoryDir()
}

// Today returns the current date in daily log format.
func (s *Store) Today() string {
	return s.now().Format(dateLayout)
}

// DailySource names the index source of a daily log.
func DailySource(date string) string {
	return date + ".md"
}

// ValidateDate reports ErrInvalidDate unless date is a real YYYY-MM-DD date.
func ValidateDate(date string) error {
	if !datePattern.MatchString(date) {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return nil
}

func (s *Store) ReadDocument() (string, error) {
	return readIfExists(s.documentFile())
}

func (s *Store) WriteDocument(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicWrite(s.documentFile(), []byte(text)); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

// RewriteDocument replaces the knowledge document with rewrite(current). The
// read and the write happen under the store lock, so no append lands between them.
func (s *Store) RewriteDocument(rewrite func(current string) string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := readIfExists(s.documentFile())
	if err != nil {
		return err
	}
	if err := atomicWrite(s.documentFile(), []byte(rewrite(current))); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

// AppendDocument appends text to the knowledge document on its own line.
func (s *Store) AppendDocument(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendLine(s.documentFile(), text); err != nil {
		return fmt.Errorf("append document: %w", err)
	}
	return nil
}

func (s *Store) ReadDailyLog(date string) (string, error) {
	if err := ValidateDate(date); err != nil {
		return "", err
	}
	return readIfExists(s.dailyFile(date))
}

func (s *Store) AppendDailyLog(date, entry string) error {
	if err := ValidateDate(date); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendLine(s.dailyFile(date), entry); err != nil {
		return fmt.Errorf("append daily log %s: %w", date, err)
	}
	return nil
}

// WriteDailyLog overwrites a daily log. Only manual edits use it.
func (s *Store) WriteDailyLog(date, text string) error {
	if err := ValidateDate(date); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicWrite(s.dailyFile(date), []byte(text)); err != nil {
		return fmt.Errorf("write daily log %s: %w", date, err)
	}
	return nil
}

// ListDailyLogDates returns known daily log dates, most recent first.
func (s *Store) ListDailyLogDates() ([]string, error) {
	entries, err := os.ReadDir(s.memoryDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read memory dir: %w", err)
	}

	dates := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !dailyFilePattern.MatchString(e.Name()) {
			continue
		}
		date := strings.TrimSuffix(e.Name(), ".md")
		if ValidateDate(date) != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// RecentDailyLogs renders the non-empty daily logs of the last `days` logs as
// "## date" sections. days <= 0 means no limit.
func (s *Store) RecentDailyLogs(days int) (string, error) {
	dates, err := s.ListDailyLogDates()
	if err != nil {
		return "", err
	}

	var sections []string
	for _, date := range dates {
		if days > 0 && len(sections) >= days {
			break
		}
		content, err := readIfExists(s.dailyFile(date))
		if err != nil {
			return "", err
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", date, content))
	}
	return strings.Join(sections, "\n\n"), nil
}

// MemoryContext renders long-term memory and the recent journal for prompt injection.
func (s *Store) MemoryContext(days int) string {
	var parts []string
	if lt, err := s.ReadDocument(); err == nil && strings.TrimSpace(lt) != "" {
		parts = append(parts, "# Long-term Memory\n\n"+strings.TrimSpace(lt))
	}
	if recent, err := s.RecentDailyLogs(days); err == nil && recent != "" {
		parts = append(parts, "# Recent Journal\n\n"+recent)
	}
	return strings.Join(parts, "\n\n")
}

func (s *Store) readSettings() (string, error) {
	return readIfExists(filepath.Join(s.memoryDir(), settingsName))
}

func (s *Store) writeSettings(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWrite(filepath.Join(s.memoryDir(), settingsName), data)
}

func readIfExists(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return string(data), nil
}

func appendLine(path, text string) error {
	current, err := readIfExists(path)
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString(current)
	if current != "" && !strings.HasSuffix(current, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(strings.TrimRight(text, "\n"))
	sb.WriteString("\n")
	return atomicWrite(path, []byte(sb.String()))
}

// atomicWrite replaces path with data via a temp file in the same directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
