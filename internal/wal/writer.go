package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/consonant/billing-core/internal/metrics"
)

// DefaultMaxSegmentBytes is the 1 GiB rotation ceiling.
const DefaultMaxSegmentBytes int64 = 1 << 30

// Writer serializes appends to the billing WAL. A single Writer owns a
// single active segment at a time; the append-then-fsync pair is guarded
// by one mutex, matching the "at most one in-flight writer per process"
// contract.
type Writer struct {
	dir             string
	maxSegmentBytes int64
	instanceID      uuid.UUID
	logger          zerolog.Logger
	metrics         *metrics.Registry

	mu        sync.Mutex
	file      *os.File
	path      string
	size      int64
	seq       uint64
	lastToken string
}

// NewWriter opens (or creates) the active segment under dir and resumes
// sequence numbering from startSeq, the last sequence number the replay
// engine observed. If the latest existing segment is already at or past
// the rotation ceiling, a fresh one is opened instead of appending to it.
func NewWriter(dir string, maxSegmentBytes int64, startSeq uint64, logger zerolog.Logger, m *metrics.Registry) (*Writer, error) {
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = DefaultMaxSegmentBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir %s: %w", dir, err)
	}

	w := &Writer{
		dir:             dir,
		maxSegmentBytes: maxSegmentBytes,
		instanceID:      uuid.New(),
		logger:          logger.With().Str("component", "wal_writer").Logger(),
		metrics:         m,
		seq:             startSeq,
	}

	segments, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		info, statErr := os.Stat(last)
		if statErr == nil && info.Size() < maxSegmentBytes {
			f, openErr := os.OpenFile(last, os.O_APPEND|os.O_WRONLY, 0o644)
			if openErr != nil {
				return nil, fmt.Errorf("wal: open segment %s: %w", last, openErr)
			}
			w.file = f
			w.path = last
			w.size = info.Size()
			w.lastToken = tokenFromPath(last)
			w.logger.Info().Str("segment", last).Int64("size", w.size).Msg("resuming active wal segment")
			return w, nil
		}
	}

	if err := w.rotate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Append writes a new record for billingEntryID, fsyncs the active
// segment, and returns the sequence number assigned to it. Append does not
// return until the record is durable.
func (w *Writer) Append(eventType EventType, billingEntryID, correlationID string, payload interface{}) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	nextSeq := w.seq + 1
	env, err := NewEnvelope(nextSeq, eventType, billingEntryID, correlationID, payload, time.Now())
	if err != nil {
		return 0, fmt.Errorf("wal: build envelope: %w", err)
	}
	line, err := env.MarshalCanonical()
	if err != nil {
		return 0, fmt.Errorf("wal: marshal envelope: %w", err)
	}
	line = append(line, '\n')

	if w.size+int64(len(line)) > w.maxSegmentBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("wal: rotate segment: %w", err)
		}
	}

	if _, err := w.file.Write(line); err != nil {
		return 0, fmt.Errorf("wal: write record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync segment %s: %w", w.path, err)
	}

	w.size += int64(len(line))
	w.seq = nextSeq

	if w.metrics != nil {
		w.metrics.WALAppends.WithLabelValues(string(eventType)).Inc()
	}
	w.logger.Debug().
		Str("event_type", string(eventType)).
		Str("billing_entry_id", billingEntryID).
		Uint64("sequence", nextSeq).
		Msg("wal record appended")

	return nextSeq, nil
}

// rotate closes the active segment (if any) and opens a new one whose
// filename token sorts strictly after the previous one.
func (w *Writer) rotate() error {
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			w.logger.Warn().Err(err).Str("segment", w.path).Msg("sync before rotation failed")
		}
		if err := w.file.Close(); err != nil {
			w.logger.Warn().Err(err).Str("segment", w.path).Msg("close before rotation failed")
		}
		if w.metrics != nil {
			w.metrics.WALRotations.Inc()
		}
	}

	token := nextToken(w.lastToken)
	path := filepath.Join(w.dir, segmentName(token))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create segment %s: %w", path, err)
	}

	w.file = f
	w.path = path
	w.size = 0
	w.lastToken = token
	w.logger.Info().Str("segment", path).Msg("wal segment rotated")
	return nil
}

// nextToken produces a fixed-width, strictly-increasing segment token.
// Under normal operation it is the current Unix-nanosecond timestamp;
// if the clock hasn't advanced past the previous token (fast rotations,
// clock adjustment), it is forced one past the previous value so
// lexicographic order always matches creation order.
func nextToken(last string) string {
	now := time.Now().UnixNano()
	if last != "" {
		if lastN, err := strconv.ParseInt(last, 10, 64); err == nil && now <= lastN {
			now = lastN + 1
		}
	}
	return fmt.Sprintf("%020d", now)
}

// Close flushes and closes the active segment. Safe to call once at
// shutdown; not safe to call concurrently with Append.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.logger.Warn().Err(err).Msg("final sync on close failed")
	}
	return w.file.Close()
}

// LastSequence returns the most recently assigned sequence number.
func (w *Writer) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}
