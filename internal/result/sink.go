// Package result hands finished exam grades off to whatever records them.
//
// The signaling layer computes a grade, calls the Sink once, and forgets:
// nothing here is read back. The production deployment points the sink at
// an on-chain recorder; this package ships a structured-log sink and an
// append-only JSONL file sink behind the same interface.
package result

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Submission is one graded exam hand-off. Grade is in basis points
// (10000 = 100.00%).
type Submission struct {
	RoomID   string `json:"room_id"`
	PeerID   string `json:"peer_id"`
	Grade    int    `json:"grade"`
	ExamName string `json:"exam_name,omitempty"`
}

// Sink records grade events. Implementations must be safe for concurrent
// use; callers treat failures as reportable but never retry on the
// submitter's behalf (the client may resubmit the same score).
type Sink interface {
	// RecordResult stores one submission and returns its result ID.
	RecordResult(ctx context.Context, sub Submission) (string, error)
}

// LogSink writes each grade event to the structured log and nothing else.
// It is the default when no result log file is configured.
type LogSink struct {
	Logger *slog.Logger
}

// RecordResult implements Sink.
func (s *LogSink) RecordResult(_ context.Context, sub Submission) (string, error) {
	id := uuid.NewString()
	s.Logger.Info("exam result",
		"result_id", id,
		"room_id", sub.RoomID,
		"peer_id", sub.PeerID,
		"grade", sub.Grade,
		"exam_name", sub.ExamName,
	)
	return id, nil
}

// record is the JSONL row a FileSink appends.
type record struct {
	ResultID   string    `json:"result_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Submission
}

// FileSink appends each grade event as one JSON line to a file. Writes
// are serialized so concurrent submissions never interleave within a
// line.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (creating if needed) the result log for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open result log: %w", err)
	}
	return &FileSink{file: f}, nil
}

// RecordResult implements Sink.
func (s *FileSink) RecordResult(_ context.Context, sub Submission) (string, error) {
	rec := record{
		ResultID:   uuid.NewString(),
		RecordedAt: time.Now().UTC(),
		Submission: sub,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return "", fmt.Errorf("append result: %w", err)
	}
	return rec.ResultID, nil
}

// Close releases the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
