package collector

import (
	"Go2ConnTrack/internal/model"
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	archiveFile = "connections.gob"
	summaryFile = "summary.json"
)

// Summary holds the totals of one archive run, written next to the archive.
type Summary struct {
	Connections  int            `json:"connections"`
	TotalBytes   uint64         `json:"total_bytes"`
	TotalPackets uint64         `json:"total_packets"`
	ByState      map[string]int `json:"by_state"`
	Started      string         `json:"started"`
	Finished     string         `json:"finished"`
}

// GobSink streams disposed connections into a gob archive under a
// timestamped directory and writes a JSON summary on Close.
type GobSink struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	buf     *bufio.Writer
	enc     *gob.Encoder
	summary Summary
}

// NewGobSink creates rootPath/<timestamp>/ and opens the archive in it.
func NewGobSink(rootPath string, now time.Time) (*GobSink, error) {
	dir := filepath.Join(rootPath, now.Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	file, err := os.Create(filepath.Join(dir, archiveFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}
	buf := bufio.NewWriter(file)
	return &GobSink{
		dir:  dir,
		file: file,
		buf:  buf,
		enc:  gob.NewEncoder(buf),
		summary: Summary{
			ByState: make(map[string]int),
			Started: now.UTC().Format(time.RFC3339),
		},
	}, nil
}

// Dir returns the directory the archive is written to.
func (s *GobSink) Dir() string {
	return s.dir
}

// Collect appends a connection to the archive.
func (s *GobSink) Collect(c model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return ErrClosed
	}
	if err := s.enc.Encode(&c); err != nil {
		return fmt.Errorf("failed to encode connection to gob: %w", err)
	}
	s.summary.Connections++
	s.summary.TotalBytes += c.Bytes
	s.summary.TotalPackets += c.Packets
	s.summary.ByState[c.State.String()]++
	return nil
}

// Close flushes the archive and writes the summary.
func (s *GobSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	s.enc = nil

	err := s.buf.Flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	s.summary.Finished = time.Now().UTC().Format(time.RFC3339)
	summary, err := os.Create(filepath.Join(s.dir, summaryFile))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summary.Close()

	enc := json.NewEncoder(summary)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

// ReadArchive decodes every connection from a gob archive.
func ReadArchive(path string) ([]model.Connection, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []model.Connection
	dec := gob.NewDecoder(bufio.NewReader(file))
	for {
		var c model.Connection
		if err := dec.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("failed to decode archive: %w", err)
		}
		out = append(out, c)
	}
}
