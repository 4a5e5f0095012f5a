// Package writers persists and merges the active-writer membership record.
//
// Every drive carries its own copy of the record in its hidden namespace.
// A drive's copy only ever contains updates made by that drive's owner; the
// membership seen by a node is the per-key last-write-wins merge of the
// copies of every drive it currently has loaded.
package writers

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/codrive/codrive/pkg/drive"
)

// RecordPath is the hidden namespace path holding a drive's writers record.
const RecordPath = ".writers"

// Entry is the membership state of one writer identity.
type Entry struct {
	Active    bool  `json:"active"`
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

// Record maps writer keys to their entry as stored in a single drive.
type Record map[drive.Key]Entry

// View is the merged membership across all loaded drives. It is computed,
// never persisted.
type View map[drive.Key]Entry

// encodedRecord is the persisted form.
type encodedRecord struct {
	Writers Record `json:"writers"`
}

// Encode serializes a record.
func Encode(r Record) ([]byte, error) {
	if r == nil {
		r = Record{}
	}
	data, err := json.Marshal(encodedRecord{Writers: r})
	if err != nil {
		return nil, fmt.Errorf("encode writers record: %w", err)
	}
	return data, nil
}

// Decode deserializes a record. An empty value decodes to an empty record.
func Decode(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, nil
	}
	var enc encodedRecord
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode writers record: %w", err)
	}
	if enc.Writers == nil {
		enc.Writers = Record{}
	}
	return enc.Writers, nil
}

// Merge folds records into a view. For every key the entry with the greatest
// timestamp wins. On equal timestamps the entry seen first is kept, so the
// result depends on the order records are passed in.
func Merge(records ...Record) View {
	view := make(View)
	for _, r := range records {
		for key, entry := range r {
			existing, ok := view[key]
			if !ok || existing.Timestamp < entry.Timestamp {
				view[key] = entry
			}
		}
	}
	return view
}

// Active returns the keys whose merged entry is active, sorted.
func (v View) Active() []drive.Key {
	keys := make([]drive.Key, 0, len(v))
	for key, entry := range v {
		if entry.Active {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// IsActive reports whether key is an active writer in the view.
func (v View) IsActive(key drive.Key) bool {
	return v[key].Active
}
