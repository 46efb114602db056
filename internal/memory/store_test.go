package memory

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedNow(day string) func() time.Time {
	return func() time.Time {
		ts, _ := time.Parse("2006-01-02 15:04:05", day+" 10:30:00")
		return ts
	}
}

func TestNewStore(t *testing.T) {
	s := NewStore("/tmp/test-workspace")
	if s.workspace != "/tmp/test-workspace" {
		t.Errorf("workspace = %q, want /tmp/test-workspace", s.workspace)
	}
	if s.Dir() != filepath.Join("/tmp/test-workspace", "memory") {
		t.Errorf("Dir = %q", s.Dir())
	}
}

func TestDocument(t *testing.T) {
	s := NewStore(t.TempDir())

	content, err := s.ReadDocument()
	if err != nil {
		t.Fatalf("ReadDocument error: %v", err)
	}
	if content != "" {
		t.Errorf("expected empty, got %q", content)
	}

	if err := s.WriteDocument("- [tool] uses pnpm"); err != nil {
		t.Fatalf("WriteDocument error: %v", err)
	}
	if err := s.AppendDocument("- [project] repo is a monorepo"); err != nil {
		t.Fatalf("AppendDocument error: %v", err)
	}

	content, err = s.ReadDocument()
	if err != nil {
		t.Fatalf("ReadDocument error: %v", err)
	}
	want := "- [tool] uses pnpm\n- [project] repo is a monorepo\n"
	if content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestWriteDocumentLeavesNoTempFiles(t *testing.T) {
	s := NewStore(t.TempDir())
	for i := 0; i < 3; i++ {
		if err := s.WriteDocument("- fact"); err != nil {
			t.Fatalf("WriteDocument error: %v", err)
		}
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != DocumentName {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("memory dir = %v, want only %s", names, DocumentName)
	}
}

func TestDailyLog(t *testing.T) {
	s := NewStore(t.TempDir())
	s.now = fixedNow("2024-05-02")

	if got := s.Today(); got != "2024-05-02" {
		t.Fatalf("Today = %q", got)
	}

	content, err := s.ReadDailyLog("2024-05-02")
	if err != nil {
		t.Fatalf("ReadDailyLog error: %v", err)
	}
	if content != "" {
		t.Errorf("expected empty, got %q", content)
	}

	if err := s.AppendDailyLog("2024-05-02", "entry 1"); err != nil {
		t.Fatalf("AppendDailyLog error: %v", err)
	}
	if err := s.AppendDailyLog("2024-05-02", "entry 2\n"); err != nil {
		t.Fatalf("AppendDailyLog error: %v", err)
	}

	content, err = s.ReadDailyLog("2024-05-02")
	if err != nil {
		t.Fatalf("ReadDailyLog error: %v", err)
	}
	if content != "entry 1\nentry 2\n" {
		t.Errorf("content = %q", content)
	}
}

func TestValidateDate(t *testing.T) {
	tests := []struct {
		date  string
		valid bool
	}{
		{"2024-05-02", true},
		{"2024-02-29", true},
		{"2023-02-29", false},
		{"2024-13-01", false},
		{"2024-5-2", false},
		{"20240502", false},
		{"../etc/passwd", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateDate(tt.date)
		if tt.valid && err != nil {
			t.Errorf("ValidateDate(%q) unexpected error: %v", tt.date, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidDate) {
			t.Errorf("ValidateDate(%q) = %v, want ErrInvalidDate", tt.date, err)
		}
	}
}

func TestDailyLogRejectsInvalidDate(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.ReadDailyLog("2024-13-40"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("ReadDailyLog error = %v, want ErrInvalidDate", err)
	}
	if err := s.AppendDailyLog("yesterday", "x"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("AppendDailyLog error = %v, want ErrInvalidDate", err)
	}
	if err := s.WriteDailyLog("2024/05/02", "x"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("WriteDailyLog error = %v, want ErrInvalidDate", err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Error("invalid dates must not touch the filesystem")
	}
}

func TestListDailyLogDates(t *testing.T) {
	s := NewStore(t.TempDir())

	dates, err := s.ListDailyLogDates()
	if err != nil {
		t.Fatalf("ListDailyLogDates error: %v", err)
	}
	if dates == nil || len(dates) != 0 {
		t.Errorf("missing dir should give empty non-nil list, got %#v", dates)
	}

	for _, d := range []string{"2024-05-01", "2024-05-03", "2023-12-31"} {
		if err := s.AppendDailyLog(d, "x"); err != nil {
			t.Fatalf("AppendDailyLog error: %v", err)
		}
	}
	// Noise that is not a daily log.
	_ = s.WriteDocument("- doc")
	_ = os.WriteFile(filepath.Join(s.Dir(), "notes.md"), []byte("x"), 0644)
	_ = os.WriteFile(filepath.Join(s.Dir(), "2024-02-30.md"), []byte("x"), 0644)
	_ = os.Mkdir(filepath.Join(s.Dir(), "2024-06-01.md"), 0755)

	dates, err = s.ListDailyLogDates()
	if err != nil {
		t.Fatalf("ListDailyLogDates error: %v", err)
	}
	want := []string{"2024-05-03", "2024-05-01", "2023-12-31"}
	if strings.Join(dates, ",") != strings.Join(want, ",") {
		t.Errorf("dates = %v, want %v", dates, want)
	}
}

func TestRecentDailyLogs(t *testing.T) {
	s := NewStore(t.TempDir())
	_ = s.AppendDailyLog("2024-05-01", "oldest")
	_ = s.AppendDailyLog("2024-05-02", "  ")
	_ = s.AppendDailyLog("2024-05-03", "middle")
	_ = s.AppendDailyLog("2024-05-04", "newest")

	recent, err := s.RecentDailyLogs(2)
	if err != nil {
		t.Fatalf("RecentDailyLogs error: %v", err)
	}
	if !strings.Contains(recent, "## 2024-05-04") || !strings.Contains(recent, "## 2024-05-03") {
		t.Errorf("missing recent sections: %q", recent)
	}
	if strings.Contains(recent, "oldest") {
		t.Errorf("limit not applied: %q", recent)
	}
	if strings.Index(recent, "newest") > strings.Index(recent, "middle") {
		t.Errorf("sections not newest first: %q", recent)
	}

	all, err := s.RecentDailyLogs(0)
	if err != nil {
		t.Fatalf("RecentDailyLogs error: %v", err)
	}
	if !strings.Contains(all, "oldest") {
		t.Errorf("no limit should include all logs: %q", all)
	}
	if strings.Contains(all, "## 2024-05-02") {
		t.Errorf("blank logs should be skipped: %q", all)
	}
}

func TestMemoryContext(t *testing.T) {
	s := NewStore(t.TempDir())
	if got := s.MemoryContext(3); got != "" {
		t.Errorf("empty store context = %q", got)
	}

	_ = s.WriteDocument("- [tool] uses pnpm\n")
	_ = s.AppendDailyLog("2024-05-04", "shipped v2")

	ctx := s.MemoryContext(3)
	if !strings.HasPrefix(ctx, "# Long-term Memory\n\n- [tool] uses pnpm") {
		t.Errorf("context = %q", ctx)
	}
	if !strings.Contains(ctx, "# Recent Journal\n\n## 2024-05-04\n\nshipped v2") {
		t.Errorf("context missing journal: %q", ctx)
	}
}
