package callog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spigell/hh-screener/internal/session"
	"github.com/spigell/hh-screener/internal/utils"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when no record exists for a call.
var ErrNotFound = errors.New("call log not found")

// MaxContextLength bounds the job description and resume stored in a record.
const MaxContextLength = 500

const (
	filePrefix = "interview_"
	fileSuffix = ".json"
)

// Record is the persisted snapshot of a call.
type Record struct {
	CallID         string              `json:"call_id" yaml:"call_id"`
	Timestamp      time.Time           `json:"timestamp" yaml:"timestamp"`
	Status         session.Status      `json:"status" yaml:"status"`
	JobDescription string              `json:"job_description" yaml:"job_description"`
	ResumeSummary  string              `json:"resume_summary" yaml:"resume_summary"`
	Transcript     session.Transcript  `json:"transcript" yaml:"transcript"`
	ExchangeCount  int                 `json:"exchange_count" yaml:"exchange_count"`
	Evaluation     *session.Evaluation `json:"evaluation" yaml:"evaluation"`
}

// Summary is the listing view of a Record.
type Summary struct {
	CallID        string         `json:"call_id" yaml:"call_id"`
	Timestamp     time.Time      `json:"timestamp" yaml:"timestamp"`
	Status        session.Status `json:"status" yaml:"status"`
	ExchangeCount int            `json:"exchange_count" yaml:"exchange_count"`
}

// NewRecord snapshots s at ts with the given status.
func NewRecord(s *session.Session, status session.Status, ts time.Time) Record {
	rec := Record{
		CallID:         s.CallID,
		Timestamp:      ts.UTC(),
		Status:         status,
		JobDescription: utils.Clip(s.JobDescription, MaxContextLength),
		ResumeSummary:  utils.Clip(s.Resume, MaxContextLength),
		Transcript:     s.Transcript.Clone(),
		ExchangeCount:  s.Transcript.ExchangeCount(),
	}
	if s.Evaluation != nil {
		rec.Evaluation = s.Evaluation.Clone()
	}
	return rec
}

func (r Record) Summary() Summary {
	return Summary{
		CallID:        r.CallID,
		Timestamp:     r.Timestamp,
		Status:        r.Status,
		ExchangeCount: r.ExchangeCount,
	}
}

// Sink stores one record per call; a later write replaces the earlier one.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Summary, error)
	Get(ctx context.Context, callID string) (*Record, error)
}

// FileSink keeps each record in its own JSON file under dir.
type FileSink struct {
	dir    string
	logger *zap.Logger
}

func NewFileSink(dir string, logger *zap.Logger) (*FileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("logs directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{dir: dir, logger: logger}, nil
}

func (f *FileSink) Dir() string { return f.dir }

func (f *FileSink) Write(_ context.Context, rec Record) error {
	if strings.TrimSpace(rec.CallID) == "" {
		return errors.New("record has no call id")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode call log: %w", err)
	}

	path := f.path(rec.CallID)

	tmp, err := os.CreateTemp(f.dir, ".interview-*")
	if err != nil {
		return fmt.Errorf("create call log: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write call log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close call log: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod call log: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename call log: %w", err)
	}

	f.logger.Debug("call log written",
		zap.String("path", path),
		zap.String("status", string(rec.Status)),
		zap.Int("exchange_count", rec.ExchangeCount),
	)
	return nil
}

// List returns summaries of all records, newest first. Unreadable files are
// skipped.
func (f *FileSink) List(_ context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read logs directory: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		rec, err := readRecord(filepath.Join(f.dir, name))
		if err != nil {
			f.logger.Warn("skipping unreadable call log", zap.String("file", name), zap.Error(err))
			continue
		}
		summaries = append(summaries, rec.Summary())
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].Timestamp.Equal(summaries[j].Timestamp) {
			return summaries[i].CallID > summaries[j].CallID
		}
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})

	return summaries, nil
}

func (f *FileSink) Get(_ context.Context, callID string) (*Record, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, ErrNotFound
	}
	rec, err := readRecord(f.path(callID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (f *FileSink) path(callID string) string {
	return filepath.Join(f.dir, filePrefix+sanitize(callID)+fileSuffix)
}

func readRecord(path string) (*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var rec Record
	if err := json.NewDecoder(file).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode call log %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// sanitize maps a call id onto a safe file name component.
func sanitize(callID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(callID))
}
