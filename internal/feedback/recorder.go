// Package feedback appends user feedback to a newline-delimited JSON log.
// The log is append-only: there is no update or delete path.
package feedback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"openplus/internal/domain"

	"github.com/google/uuid"
)

// maxLineBytes bounds a single log line when reading the log back.
const maxLineBytes = 1 << 20

// ErrInvalidRating is returned when a rating falls outside the configured range.
var ErrInvalidRating = errors.New("rating out of range")

// Recorder implements domain.FeedbackRecorder on top of a JSONL file.
type Recorder struct {
	path      string
	sync      bool
	minRating int
	maxRating int
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes appends so lines never interleave within this process.
	// O_APPEND keeps whole-line writes atomic across processes as well.
	mu sync.Mutex
}

type RecorderConfig struct {
	Path      string
	Sync      bool
	MinRating int // inclusive; the range is used as given
	MaxRating int
	Logger    *slog.Logger
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		path:      cfg.Path,
		sync:      cfg.Sync,
		minRating: cfg.MinRating,
		maxRating: cfg.MaxRating,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Path returns the log file location.
func (r *Recorder) Path() string { return r.path }

// Validate checks entry against the recorder's rating range.
func (r *Recorder) Validate(entry domain.FeedbackEntry) error {
	if entry.Rating < r.minRating || entry.Rating > r.maxRating {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidRating, entry.Rating, r.minRating, r.maxRating)
	}
	return nil
}

// Record validates entry, fills in ID and timestamp, and appends it as one line.
// Either the whole line is written or an error is returned.
func (r *Recorder) Record(ctx context.Context, entry domain.FeedbackEntry) (domain.FeedbackEntry, error) {
	if err := ctx.Err(); err != nil {
		return entry, err
	}
	if err := r.Validate(entry); err != nil {
		return entry, err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	entry.Tags = normalizeTags(entry.Tags)

	line, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("encode feedback: %w", err)
	}
	line = append(line, '\n')

	if err := r.appendLine(line); err != nil {
		r.logger.Error("feedback append failed", "path", r.path, "err", err)
		return entry, err
	}
	r.logger.Debug("feedback recorded", "id", entry.ID, "rating", entry.Rating, "tags", len(entry.Tags))
	return entry, nil
}

// appendLine performs open-append-write-close with a single write call.
func (r *Recorder) appendLine(line []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create feedback directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open feedback log: %w", err)
	}

	n, err := f.Write(line)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err == nil && r.sync {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write feedback log: %w", err)
	}
	return nil
}

// normalizeTags drops exact duplicates, keeping first-seen order. Tags are
// otherwise stored as submitted. The result is never nil so the line always
// carries "tags": [].
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Stats summarizes a feedback log.
type Stats struct {
	Lines   int // total non-empty lines
	Invalid int // lines that are not a JSON feedback object
}

// Scan reads the log at path and calls fn for each well-formed entry.
// A missing file yields zero stats and no error.
func Scan(path string, fn func(domain.FeedbackEntry)) (Stats, error) {
	var st Stats
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("open feedback log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		st.Lines++
		var entry domain.FeedbackEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			st.Invalid++
			continue
		}
		if fn != nil {
			fn(entry)
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read feedback log: %w", err)
	}
	return st, nil
}
