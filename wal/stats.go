package wal

import (
	"os"
	"path/filepath"
	"time"
)

// Stats represents audit log statistics
type Stats struct {
	// File statistics
	TotalFiles      int       `json:"total_files"`
	TotalSizeBytes  int64     `json:"total_size_bytes"`
	OldestFile      time.Time `json:"oldest_file"`
	NewestFile      time.Time `json:"newest_file"`
	CurrentFileSize int64     `json:"current_file_size"`

	// Sequence statistics
	SequenceCount uint64 `json:"sequence_count"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`

	EntriesPerFile map[string]int `json:"entries_per_file,omitempty"`
}

// GetStats returns current audit log statistics
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := Stats{
		LastSequence:    w.sequence,
		CurrentFileSize: w.size,
	}
	collectDirStats(w.listWALFiles(), &stats)
	return stats
}

// GetStatsFromDir returns statistics for an audit directory without an
// open log
func GetStatsFromDir(dir string, config Config) Stats {
	stats := Stats{}
	files := listSegments(dir, config.FilePrefix)
	if len(files) == 0 {
		return stats
	}

	for _, file := range files {
		if last, err := lastEntry(file); err == nil && last != nil && last.Sequence > stats.LastSequence {
			stats.LastSequence = last.Sequence
		}
	}
	if info, err := os.Stat(files[len(files)-1]); err == nil {
		stats.CurrentFileSize = info.Size()
	}

	collectDirStats(files, &stats)
	return stats
}

func collectDirStats(files []string, stats *Stats) {
	stats.TotalFiles = len(files)
	if len(files) == 0 {
		return
	}

	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)
	stats.FirstSequence = findFirstSequence(files)
	if stats.FirstSequence > 0 && stats.LastSequence >= stats.FirstSequence {
		stats.SequenceCount = stats.LastSequence - stats.FirstSequence + 1
	}
	stats.EntriesPerFile = countEntriesPerFile(files)
}

// findFirstSequence returns the first sequence of the oldest non-empty segment
func findFirstSequence(files []string) uint64 {
	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			continue
		}
		entry, err := reader.Next()
		_ = reader.Close()
		if err == nil {
			return entry.Sequence
		}
	}
	return 0
}

func countEntriesPerFile(files []string) map[string]int {
	counts := make(map[string]int, len(files))
	for _, file := range files {
		counts[filepath.Base(file)] = countEntriesInFile(file)
	}
	return counts
}

func countEntriesInFile(path string) int {
	reader, err := NewReader(path)
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	count := 0
	for {
		if _, err := reader.Next(); err != nil {
			break
		}
		count++
	}
	return count
}

// calculateTotalSize sums file sizes
func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err == nil {
			total += info.Size()
		}
	}
	return total
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for i, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		modTime := info.ModTime()
		if i == 0 || modTime.Before(oldest) {
			oldest = modTime
		}
		if i == 0 || modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}

// HealthStatus represents audit log health
type HealthStatus struct {
	Healthy          bool     `json:"healthy"`
	LastSequence     uint64   `json:"last_sequence"`
	DiskUsagePercent float64  `json:"disk_usage_percent"`
	NeedsRotation    bool     `json:"needs_rotation"`
	Issues           []string `json:"issues,omitempty"`
}

// GetHealth returns audit log health
func (w *WAL) GetHealth() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	health := HealthStatus{
		LastSequence: w.sequence,
		Issues:       []string{},
	}

	if w.file == nil {
		health.Issues = append(health.Issues, "audit log is closed")
	} else if _, err := w.file.Stat(); err != nil {
		health.Issues = append(health.Issues, "active segment is not accessible")
	}

	// A pending rotation is reported, not counted as an issue
	health.DiskUsagePercent = float64(w.size) / float64(w.config.MaxFileSize) * 100
	health.NeedsRotation = health.DiskUsagePercent > 90

	health.Healthy = len(health.Issues) == 0
	return health
}
