package writers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codrive/codrive/pkg/drive"
	"github.com/rs/zerolog"
)

// ErrNotWritable is returned when the local identity holds no writable drive.
var ErrNotWritable = errors.New("no writable drive")

// StorageError reports a failure reading or writing a drive's writers record.
type StorageError struct {
	Op    string // "get", "put" or "decode"
	Drive drive.Key
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("writers %s on drive %s: %v", e.Op, e.Drive.Short(), e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Source exposes the drives the store reads from and writes to.
type Source interface {
	// Drives returns every currently loaded drive, primary first.
	Drives() []drive.Drive

	// WriterOrPrimary returns the local writable drive if one is loaded,
	// otherwise the primary.
	WriterOrPrimary() drive.Drive

	// Acquire keeps drives obtained from the source open until release.
	Acquire() (release func())
}

// Config contains configuration for the store.
type Config struct {
	Source Source
	Logger zerolog.Logger
	Now    func() time.Time // defaults to time.Now
}

// Store reads the merged membership view and records status changes.
type Store struct {
	source Source
	logger zerolog.Logger
	now    func() time.Time

	// writeMu serializes read-modify-write of the local record.
	writeMu sync.Mutex
}

// NewStore creates a new writers store.
func NewStore(config Config) *Store {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Store{
		source: config.Source,
		logger: config.Logger.With().Str("component", "writers").Logger(),
		now:    config.Now,
	}
}

// MergedView reads the writers record of every loaded drive and merges them
// by per-key last-write-wins. Drives without a record contribute nothing.
func (s *Store) MergedView(ctx context.Context) (View, error) {
	release := s.source.Acquire()
	defer release()

	drives := s.source.Drives()
	records := make([]Record, 0, len(drives))

	for _, d := range drives {
		record, err := readRecord(ctx, d)
		if err != nil {
			return nil, err
		}
		if len(record) > 0 {
			records = append(records, record)
		}
	}

	view := Merge(records...)
	s.logger.Debug().
		Int("drives", len(drives)).
		Int("writers", len(view)).
		Msg("Merged writers view")
	return view, nil
}

// SetStatus records key as active or inactive in the local writable drive's
// record with a fresh timestamp. Other drives' records are never touched.
func (s *Store) SetStatus(ctx context.Context, key drive.Key, active bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	release := s.source.Acquire()
	defer release()

	d := s.source.WriterOrPrimary()
	if d == nil || !d.Writable() {
		var self drive.Key
		if d != nil {
			self = d.Key()
		}
		return &StorageError{Op: "put", Drive: self, Err: ErrNotWritable}
	}

	record, err := readRecord(ctx, d)
	if err != nil {
		return err
	}

	ts := s.now().UnixMilli()
	if prev, ok := record[key]; ok && prev.Timestamp >= ts {
		ts = prev.Timestamp + 1
	}
	record[key] = Entry{Active: active, Timestamp: ts}

	data, err := Encode(record)
	if err != nil {
		return &StorageError{Op: "put", Drive: d.Key(), Err: err}
	}
	if err := d.PutHidden(ctx, RecordPath, data); err != nil {
		return &StorageError{Op: "put", Drive: d.Key(), Err: err}
	}

	s.logger.Info().
		Str("writer", key.String()).
		Bool("active", active).
		Int64("timestamp", ts).
		Str("drive", d.Key().Short()).
		Msg("Recorded writer status")
	return nil
}

func readRecord(ctx context.Context, d drive.Drive) (Record, error) {
	raw, err := d.GetHidden(ctx, RecordPath)
	if err != nil {
		return nil, &StorageError{Op: "get", Drive: d.Key(), Err: err}
	}
	record, err := Decode(raw)
	if err != nil {
		return nil, &StorageError{Op: "decode", Drive: d.Key(), Err: err}
	}
	return record, nil
}
