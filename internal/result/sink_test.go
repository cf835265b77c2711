package result

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLogSink(t *testing.T) {
	sink := &LogSink{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	id, err := sink.RecordResult(context.Background(), Submission{
		RoomID: "123456", PeerID: "student-1", Grade: 9000,
	})
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if id == "" {
		t.Error("RecordResult returned an empty result ID")
	}

	id2, err := sink.RecordResult(context.Background(), Submission{
		RoomID: "123456", PeerID: "student-1", Grade: 9000,
	})
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if id2 == id {
		t.Error("result IDs must be unique per submission")
	}
}

func TestFileSinkAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	subs := []Submission{
		{RoomID: "123456", PeerID: "student-1", Grade: 9000, ExamName: "Midterm"},
		{RoomID: "123456", PeerID: "student-2", Grade: 3333},
	}
	ids := make(map[string]bool)
	for _, sub := range subs {
		id, err := sink.RecordResult(context.Background(), sub)
		if err != nil {
			t.Fatalf("RecordResult(%+v): %v", sub, err)
		}
		ids[id] = true
	}
	if len(ids) != len(subs) {
		t.Fatalf("got %d distinct result IDs, want %d", len(ids), len(subs))
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open result log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		if !ids[rec.ResultID] {
			t.Errorf("line %d has unknown result_id %q", lines+1, rec.ResultID)
		}
		if rec.RecordedAt.IsZero() {
			t.Errorf("line %d has a zero recorded_at", lines+1)
		}
		if rec.RoomID != subs[lines].RoomID || rec.Grade != subs[lines].Grade {
			t.Errorf("line %d = %+v, want %+v", lines+1, rec.Submission, subs[lines])
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan result log: %v", err)
	}
	if lines != len(subs) {
		t.Errorf("result log has %d lines, want %d", lines, len(subs))
	}
}

func TestFileSinkReopensForAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(path)
		if err != nil {
			t.Fatalf("NewFileSink: %v", err)
		}
		if _, err := sink.RecordResult(context.Background(), Submission{
			RoomID: "123456", PeerID: "student-1", Grade: 5000,
		}); err != nil {
			t.Fatalf("RecordResult: %v", err)
		}
		sink.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result log: %v", err)
	}
	var lines int
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("result log has %d lines after reopen, want 2", lines)
	}
}
