package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	longTermFile = "MEMORY.md"
	dailyDir     = "memory"
)

// Store keeps agent memory as plain markdown under a workspace
// directory. MEMORY.md holds curated long-term notes, memory/ holds
// one append-only log per day.
type Store struct {
	dir string
}

// NewStore roots a memory store at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the workspace directory.
func (s *Store) Dir() string { return s.dir }

// ReadLongTerm returns the MEMORY.md content, or "" when absent.
func (s *Store) ReadLongTerm() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, longTermFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read long-term memory: %w", err)
	}
	return string(data), nil
}

// WriteLongTerm replaces MEMORY.md.
func (s *Store) WriteLongTerm(content string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, longTermFile), []byte(content), 0644); err != nil {
		return fmt.Errorf("write long-term memory: %w", err)
	}
	return nil
}

// AppendDaily appends a timestamped section to today's log file,
// creating memory/ and the file as needed.
func (s *Store) AppendDaily(now time.Time, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	dir := filepath.Join(s.dir, dailyDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create daily dir: %w", err)
	}

	path := filepath.Join(dir, now.Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	section := fmt.Sprintf("\n## %s\n\n%s\n", now.Format("15:04:05"), content)
	if _, err := f.WriteString(section); err != nil {
		return fmt.Errorf("append daily log: %w", err)
	}
	return nil
}

// ReadDaily returns the log for one day, or "" when absent.
func (s *Store) ReadDaily(day time.Time) (string, error) {
	path := filepath.Join(s.dir, dailyDir, day.Format("2006-01-02")+".md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read daily log: %w", err)
	}
	return string(data), nil
}

// MemoryContext assembles the memory text injected into the system
// prompt: long-term notes followed by the most recent daily logs.
func (s *Store) MemoryContext(now time.Time, recentDays int) (string, error) {
	if recentDays <= 0 {
		recentDays = 2
	}

	var parts []string
	longTerm, err := s.ReadLongTerm()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(longTerm) != "" {
		parts = append(parts, "# Long-term memory\n\n"+strings.TrimSpace(longTerm))
	}

	days := make([]string, 0, recentDays)
	for i := recentDays - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		content, err := s.ReadDaily(day)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(content) != "" {
			days = append(days, fmt.Sprintf("# Daily log %s\n%s", day.Format("2006-01-02"), strings.TrimSpace(content)))
		}
	}
	sort.Strings(days)
	parts = append(parts, days...)

	return strings.Join(parts, "\n\n"), nil
}
