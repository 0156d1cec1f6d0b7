package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/smallnest/ragbuild/store"
)

const ext = ".jsonl"

var safeRunID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileReportStore writes one JSON Lines file per run.
type FileReportStore struct {
	dir string

	mu   sync.Mutex
	seqs map[string]int64
}

var _ store.ReportStore = (*FileReportStore)(nil)

// NewFileReportStore creates a store rooted at dir, creating it if needed.
func NewFileReportStore(dir string) (*FileReportStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &FileReportStore{dir: dir, seqs: make(map[string]int64)}, nil
}

func (s *FileReportStore) path(runID string) (string, error) {
	if !safeRunID.MatchString(runID) || strings.Trim(runID, ".") == "" {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runID+ext), nil
}

// Append implements store.ReportStore
func (s *FileReportStore) Append(ctx context.Context, entry *store.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	path, err := s.path(entry.RunID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[entry.RunID]
	if !ok {
		// continue a run written by an earlier process
		existing, err := readEntries(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if n := len(existing); n > 0 {
			seq = existing[n-1].Seq
		}
	}

	entry.Seq = seq + 1
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal report entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open report: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append report entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to append report entry: %w", err)
	}
	s.seqs[entry.RunID] = entry.Seq
	return nil
}

// Load implements store.ReportStore
func (s *FileReportStore) Load(_ context.Context, runID string) ([]store.Entry, error) {
	path, err := s.path(runID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := readEntries(path)
	if errors.Is(err, os.ErrNotExist) || err == nil && len(entries) == 0 {
		return nil, store.ErrRunNotFound
	}
	return entries, err
}

// Runs implements store.ReportStore
func (s *FileReportStore) Runs(_ context.Context) ([]string, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	var ids []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(f.Name(), ext))
	}
	slices.Sort(ids)
	return ids, nil
}

// Close implements store.ReportStore
func (s *FileReportStore) Close() error {
	return nil
}

// readEntries decodes a report file. A torn last line from an interrupted
// write is ignored.
func readEntries(path string) ([]store.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []store.Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	var pending error
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}
		var e store.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			pending = fmt.Errorf("corrupt report %s: %w", filepath.Base(path), err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return entries, nil
}
