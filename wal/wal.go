package wal

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// GenesisHash is the PrevHash of the first entry ever written
const GenesisHash = "genesis"

// Entry is a single audit record. Entries are hash-chained: each Hash covers
// the entry content and the previous entry's Hash.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Kind      types.AuditKind `json:"kind"`
	Subject   string          `json:"subject,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Config controls segment naming and rotation
type Config struct {
	FilePrefix  string
	MaxFileSize int64
	// ArchiveTimeout bounds one upload of a sealed segment
	ArchiveTimeout time.Duration
	// MirrorTimeout bounds one mirror write
	MirrorTimeout time.Duration
}

// DefaultConfig returns the default audit log configuration
func DefaultConfig() Config {
	return Config{
		FilePrefix:     "audit",
		MaxFileSize:    64 * 1024 * 1024,
		ArchiveTimeout: 30 * time.Second,
		MirrorTimeout:  5 * time.Second,
	}
}

// Mirror receives a copy of every entry after it is durable locally
type Mirror interface {
	Mirror(ctx context.Context, e Entry) error
}

// Archiver ships sealed segments to long-term storage
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// WAL is the append-only audit log. It is a JSONL file per segment,
// flushed and fsynced on every write. There is no update or delete.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence uint64
	lastHash string
	size     int64
	dir      string
	config   Config
	mirror   Mirror
	archiver Archiver
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
	now      func() time.Time
}

// Open creates or opens an audit log in dir with the default config
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates or opens an audit log in dir. The sequence and hash
// chain continue from the newest existing segment.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	def := DefaultConfig()
	if config.FilePrefix == "" {
		config.FilePrefix = def.FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = def.MaxFileSize
	}
	if config.ArchiveTimeout <= 0 {
		config.ArchiveTimeout = def.ArchiveTimeout
	}
	if config.MirrorTimeout <= 0 {
		config.MirrorTimeout = def.MirrorTimeout
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	w := &WAL{
		dir:      dir,
		config:   config,
		lastHash: GenesisHash,
		logger:   telemetry.NewLogger("audit-log"),
		now:      time.Now,
	}

	if err := w.loadSequence(); err != nil {
		return nil, err
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// SetMirror attaches a secondary sink. Mirror failures are logged and never
// fail the local write.
func (w *WAL) SetMirror(m Mirror) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mirror = m
}

// SetArchiver attaches an uploader for sealed segments
func (w *WAL) SetArchiver(a Archiver) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.archiver = a
}

// SetMetrics attaches metrics instruments
func (w *WAL) SetMetrics(m *telemetry.Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = m
}

// Dir returns the audit directory
func (w *WAL) Dir() string {
	return w.dir
}

// Config returns the active configuration
func (w *WAL) Config() Config {
	return w.config
}

// Sequence returns the sequence number of the last written entry
func (w *WAL) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Close flushes and closes the active segment
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Append adds an entry to the log
func (w *WAL) Append(kind types.AuditKind, subject string, data any) error {
	return w.append(kind, subject, data, nil)
}

// AppendError adds an entry that records a failure
func (w *WAL) AppendError(kind types.AuditKind, subject string, data any, errToLog error) error {
	return w.append(kind, subject, data, errToLog)
}

func (w *WAL) append(kind types.AuditKind, subject string, data any, errToLog error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errors.New("audit log is closed")
	}

	entry := Entry{
		Timestamp: w.now().UTC(),
		Sequence:  w.sequence + 1,
		Kind:      kind,
		Subject:   subject,
		Data:      jsonData,
		PrevHash:  w.lastHash,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}
	entry.Hash = HashEntry(entry)

	if err := w.writeEntry(entry); err != nil {
		return err
	}
	w.sequence = entry.Sequence
	w.lastHash = entry.Hash

	w.mirrorEntry(entry)
	return nil
}

// writeEntry writes a single entry, rotating first if it would overflow
// the active segment
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if w.shouldRotate(int64(len(line))) {
		if err := w.rotate(entry.Sequence); err != nil {
			return err
		}
	}

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	// Flush immediately for durability
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}

	w.size += int64(len(line))
	return nil
}

func (w *WAL) mirrorEntry(entry Entry) {
	if w.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.config.MirrorTimeout)
	defer cancel()

	if err := w.mirror.Mirror(ctx, entry); err != nil {
		w.logger.WithContext(ctx).Warn().
			Err(err).
			Uint64("sequence", entry.Sequence).
			Str("kind", string(entry.Kind)).
			Msg("audit mirror write failed")
		w.metrics.RecordAuditFailure(ctx, "mirror")
	}
}

// shouldRotate reports whether writing n more bytes would exceed MaxFileSize.
// An empty segment always accepts the write.
func (w *WAL) shouldRotate(n int64) bool {
	return w.size > 0 && w.size+n > w.config.MaxFileSize
}

// rotate seals the active segment and opens the next one starting at seq
func (w *WAL) rotate(nextSeq uint64) error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	sealed := w.file.Name()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}

	if err := w.openSegmentAt(nextSeq); err != nil {
		return err
	}

	w.logger.Info().
		Str("sealed", filepath.Base(sealed)).
		Str("active", filepath.Base(w.file.Name())).
		Msg("audit segment rotated")

	if w.archiver != nil {
		go w.archive(w.archiver, sealed)
	}
	return nil
}

func (w *WAL) archive(a Archiver, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.ArchiveTimeout)
	defer cancel()

	if err := a.Archive(ctx, path); err != nil {
		w.logger.WithContext(ctx).Error().
			Err(err).
			Str("segment", filepath.Base(path)).
			Msg("audit segment archive failed")
		return
	}
	w.logger.WithContext(ctx).Info().
		Str("segment", filepath.Base(path)).
		Msg("audit segment archived")
}

func (w *WAL) openSegment() error {
	return w.openSegmentAt(w.sequence + 1)
}

// openSegmentAt opens the segment whose first entry will be seq. Segment
// names embed the starting sequence so lexical order is write order.
func (w *WAL) openSegmentAt(seq uint64) error {
	path := filepath.Join(w.dir, segmentName(w.config.FilePrefix, seq))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat audit segment: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

func segmentName(prefix string, seq uint64) string {
	return fmt.Sprintf("%s-%020d.wal", prefix, seq)
}

// loadSequence restores the sequence and chain head from the newest
// non-empty segment
func (w *WAL) loadSequence() error {
	files := w.listWALFiles()
	for i := len(files) - 1; i >= 0; i-- {
		last, err := lastEntry(files[i])
		if err != nil {
			return fmt.Errorf("failed to recover audit sequence from %s: %w", filepath.Base(files[i]), err)
		}
		if last != nil {
			w.sequence = last.Sequence
			w.lastHash = last.Hash
			return nil
		}
	}
	return nil
}

func lastEntry(path string) (*Entry, error) {
	reader, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	var last *Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return nil, err
		}
		last = entry
	}
}

func (w *WAL) listWALFiles() []string {
	return listSegments(w.dir, w.config.FilePrefix)
}

func listSegments(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

// HashEntry computes the chain hash of an entry. The Hash field itself is
// not covered.
func HashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(e.Sequence, 10)))
	h.Write([]byte{0})
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	h.Write([]byte(e.Subject))
	h.Write([]byte{0})
	h.Write(e.Data)
	h.Write([]byte{0})
	h.Write([]byte(e.Error))
	h.Write([]byte{0})
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Reader provides sequential access to one segment
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the segment at path
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit segment: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	return &Reader{
		scanner: scanner,
		file:    file,
	}, nil
}

// Next reads the next entry. It returns io.EOF at the end of the segment.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry in dir with sequence > after, in
// sequence order
func Replay(dir string, config Config, after uint64, handler func(*Entry) error) error {
	for _, file := range listSegments(dir, config.FilePrefix) {
		if err := replayFile(file, after, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, after uint64, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Sequence <= after {
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}

// errStop ends a replay early without reporting an error
var errStop = errors.New("stop replay")
