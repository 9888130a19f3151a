package wal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/consonant/billing-core/internal/metrics"
)

// ApplyFunc applies a single envelope's reducer to the derived store. It
// must be a pure function of the envelope: replaying the same segment
// twice has to produce identical state.
type ApplyFunc func(*Envelope) error

// Result summarizes one replay run.
type Result struct {
	EntriesProcessed int
	EntriesSkipped   int
	EntriesCorrupted int
	LastSequence     uint64
}

const cursorFileName = ".replay_cursor"

// CursorPath returns the path of the persisted replay cursor for dir.
func CursorPath(dir string) string {
	return dir + string(os.PathSeparator) + cursorFileName
}

// Replay discovers every segment under dir, skips anything at or below the
// persisted cursor, applies apply to every remaining valid record in order,
// and atomically persists the new cursor when done. It runs at startup,
// before the service accepts requests.
func Replay(dir string, apply ApplyFunc, logger zerolog.Logger, m *metrics.Registry) (*Result, error) {
	log := logger.With().Str("component", "wal_replay").Logger()

	cursor, err := readCursor(dir)
	if err != nil {
		return nil, err
	}

	segments, err := ListSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	result := &Result{LastSequence: cursor}
	legacyWarned := false

	for si, segPath := range segments {
		isLastSegment := si == len(segments)-1
		if err := replaySegment(segPath, isLastSegment, cursor, apply, log, m, &legacyWarned, result); err != nil {
			return nil, err
		}
	}

	if err := persistCursor(dir, result.LastSequence); err != nil {
		return nil, err
	}

	log.Info().
		Int("processed", result.EntriesProcessed).
		Int("skipped", result.EntriesSkipped).
		Int("corrupted", result.EntriesCorrupted).
		Uint64("last_sequence", result.LastSequence).
		Msg("wal replay complete")

	return result, nil
}

// replaySegment processes a single segment file, applying apply to every
// valid, unprocessed record and truncating a torn trailing record if this
// is the last line of the last segment.
func replaySegment(path string, isLastSegment bool, cursor uint64, apply ApplyFunc, log zerolog.Logger, m *metrics.Registry, legacyWarned *bool, result *Result) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("wal: read segment %s: %w", path, err)
	}

	lines, offsets := splitLinesWithOffsets(data)

	for i, line := range lines {
		isLastLine := i == len(lines)-1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		env, parseErr := ParseEnvelopeLine(line)
		if parseErr != nil {
			if isLastSegment && isLastLine {
				if err := os.Truncate(path, offsets[i]); err != nil {
					return fmt.Errorf("wal: truncate torn record in %s: %w", path, err)
				}
				log.Warn().Str("segment", path).Msg("torn final record truncated at replay")
				continue
			}
			result.EntriesCorrupted++
			if m != nil {
				m.WALCorruptions.WithLabelValues("parse_error").Inc()
			}
			log.Warn().Str("segment", path).Int("line", i).Err(parseErr).Msg("corrupted wal record skipped")
			continue
		}

		if env.SchemaVersion > CurrentSchemaVersion {
			result.EntriesSkipped++
			log.Warn().Int("schema_version", env.SchemaVersion).Msg("wal record with unsupported schema version skipped")
			continue
		}

		if env.Sequence != 0 && env.Sequence <= cursor {
			result.EntriesSkipped++
			continue
		}

		if !env.VerifyChecksum() {
			result.EntriesCorrupted++
			if m != nil {
				m.WALCorruptions.WithLabelValues("checksum_mismatch").Inc()
			}
			log.Warn().Str("billing_entry_id", env.BillingEntryID).Str("segment", path).Msg("wal record checksum mismatch, skipped")
			continue
		}

		if !env.EventType.IsKnown() {
			result.EntriesSkipped++
			log.Warn().Str("event_type", string(env.EventType)).Msg("unknown wal event type skipped (forward-compat)")
			continue
		}

		if env.Sequence == 0 && !*legacyWarned {
			*legacyWarned = true
			log.Warn().Msg("legacy record replayed via ULID fallback, verify single-writer history")
		}

		if err := apply(env); err != nil {
			return fmt.Errorf("wal: apply record (entry=%s seq=%d): %w", env.BillingEntryID, env.Sequence, err)
		}

		result.EntriesProcessed++
		if env.Sequence > result.LastSequence {
			result.LastSequence = env.Sequence
		}
	}

	return nil
}

// splitLinesWithOffsets splits data on '\n' and returns each line alongside
// its starting byte offset in data, dropping the trailing empty element a
// well-formed file's final newline produces.
func splitLinesWithOffsets(data []byte) ([][]byte, []int64) {
	parts := bytes.Split(data, []byte("\n"))
	offsets := make([]int64, len(parts))
	var cum int64
	for i, p := range parts {
		offsets[i] = cum
		cum += int64(len(p)) + 1
	}
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
		offsets = offsets[:len(offsets)-1]
	}
	return parts, offsets
}

func readCursor(dir string) (uint64, error) {
	data, err := os.ReadFile(CursorPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wal: read cursor: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wal: parse cursor: %w", err)
	}
	return n, nil
}

// persistCursor writes the cursor to a temp file and renames it into
// place, so a crash mid-write never leaves a torn cursor file behind.
func persistCursor(dir string, seq uint64) error {
	path := CursorPath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)), 0o644); err != nil {
		return fmt.Errorf("wal: write cursor tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("wal: rename cursor into place: %w", err)
	}
	return nil
}
