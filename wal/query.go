package wal

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yairfalse/vigil/types"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ErrChainBroken is returned by Verify when the hash chain does not hold
var ErrChainBroken = errors.New("audit hash chain broken")

// Query selects audit entries. Zero-valued fields match everything.
type Query struct {
	Kind    types.AuditKind
	Subject string
	// After is the cursor: only entries with a greater sequence are returned
	After uint64
	Limit int
}

// Page is one page of query results
type Page struct {
	Entries []Entry `json:"entries"`
	// Next is the cursor for the following page, 0 when there is none
	Next uint64 `json:"next,omitempty"`
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultPageSize
	case q.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return q.Limit
	}
}

func (q Query) matches(e *Entry) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.Subject != "" && e.Subject != q.Subject {
		return false
	}
	return true
}

// Query returns one page of entries in sequence order. It holds the write
// lock so a page never observes a half-written line.
func (w *WAL) Query(q Query) (Page, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return QueryDir(w.dir, w.config, q)
}

// QueryDir runs q against the segments in dir without an open log
func QueryDir(dir string, config Config, q Query) (Page, error) {
	limit := q.limit()
	page := Page{}

	files := segmentsAfter(listSegments(dir, config.FilePrefix), config.FilePrefix, q.After)
	for _, file := range files {
		err := replayFile(file, q.After, func(e *Entry) error {
			if !q.matches(e) {
				return nil
			}
			if len(page.Entries) == limit {
				page.Next = page.Entries[limit-1].Sequence
				return errStop
			}
			page.Entries = append(page.Entries, *e)
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			return Page{}, err
		}
	}

	return page, nil
}

// segmentsAfter drops segments that end at or before seq. A segment ends
// one before the start of the next segment.
func segmentsAfter(files []string, prefix string, seq uint64) []string {
	if seq == 0 {
		return files
	}
	for i := 0; i+1 < len(files); i++ {
		next, ok := segmentStart(files[i+1], prefix)
		if !ok || next-1 > seq {
			return files[i:]
		}
	}
	if len(files) == 0 {
		return files
	}
	return files[len(files)-1:]
}

func segmentStart(path, prefix string) (uint64, bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".wal")
	name = strings.TrimPrefix(name, prefix+"-")
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Verify walks every segment in dir and checks sequence continuity and the
// hash chain. It returns the number of entries verified.
func Verify(dir string, config Config) (uint64, error) {
	var (
		count    uint64
		prevSeq  uint64
		prevHash = GenesisHash
	)

	err := Replay(dir, config, 0, func(e *Entry) error {
		if count > 0 && e.Sequence != prevSeq+1 {
			return fmt.Errorf("%w: sequence %d follows %d", ErrChainBroken, e.Sequence, prevSeq)
		}
		if count == 0 && e.Sequence == 1 && e.PrevHash != GenesisHash {
			return fmt.Errorf("%w: first entry does not start at genesis", ErrChainBroken)
		}
		if count > 0 && e.PrevHash != prevHash {
			return fmt.Errorf("%w: entry %d prev_hash mismatch", ErrChainBroken, e.Sequence)
		}
		if HashEntry(*e) != e.Hash {
			return fmt.Errorf("%w: entry %d content does not match its hash", ErrChainBroken, e.Sequence)
		}
		count++
		prevSeq = e.Sequence
		prevHash = e.Hash
		return nil
	})

	return count, err
}
