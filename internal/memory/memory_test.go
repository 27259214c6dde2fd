package memory

import (
	"strings"
	"testing"
	"time"
)

func TestReadLongTermMissingFile(t *testing.T) {
	s := NewStore(t.TempDir())
	content, err := s.ReadLongTerm()
	if err != nil {
		t.Fatalf("ReadLongTerm: %v", err)
	}
	if content != "" {
		t.Fatalf("content = %q, want empty", content)
	}
}

func TestAppendDailyCreatesTimestampedSections(t *testing.T) {
	s := NewStore(t.TempDir())
	day := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	if err := s.AppendDaily(day, "first note"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDaily(day.Add(time.Hour), "second note"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDaily(day, "   "); err != nil {
		t.Fatal(err)
	}

	content, err := s.ReadDaily(day)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "## 09:30:00") || !strings.Contains(content, "## 10:30:00") {
		t.Fatalf("missing timestamped sections:\n%s", content)
	}
	if !strings.Contains(content, "first note") || !strings.Contains(content, "second note") {
		t.Fatalf("missing notes:\n%s", content)
	}
	if strings.Count(content, "## ") != 2 {
		t.Fatalf("blank append should be a no-op:\n%s", content)
	}
}

func TestMemoryContextCombinesSources(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	if err := s.WriteLongTerm("- user prefers short answers"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDaily(now.AddDate(0, 0, -1), "yesterday's work"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDaily(now, "today's work"); err != nil {
		t.Fatal(err)
	}

	ctx, err := s.MemoryContext(now, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ctx, "# Long-term memory") {
		t.Fatalf("missing long-term section:\n%s", ctx)
	}
	if !strings.Contains(ctx, "2026-03-13") || !strings.Contains(ctx, "2026-03-14") {
		t.Fatalf("missing daily sections:\n%s", ctx)
	}
	if !strings.Contains(ctx, "yesterday's work") || !strings.Contains(ctx, "today's work") {
		t.Fatalf("missing daily content:\n%s", ctx)
	}
}

func TestMemoryContextEmptyWorkspace(t *testing.T) {
	s := NewStore(t.TempDir())
	ctx, err := s.MemoryContext(time.Now(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if ctx != "" {
		t.Fatalf("ctx = %q, want empty", ctx)
	}
}
