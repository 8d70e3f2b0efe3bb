package store

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cwbudde/tscube/internal/fit"
	"github.com/cwbudde/tscube/internal/scan"
	"github.com/cwbudde/tscube/internal/skyproj"
)

func testPoint(i int, ts float64) scan.Point {
	return scan.Point{
		Index:      i,
		Dir:        skyproj.NewDir(83.63+0.1*float64(i), 22.01, skyproj.CEL),
		Valid:      true,
		Status:     fit.StateConverged,
		TS:         ts,
		Norm:       0.8,
		ErrPos:     0.1,
		ErrNeg:     0.09,
		LogLike:    -1000 + ts/2,
		Iterations: 4,
	}
}

func writeEntries(t *testing.T, dir, jobID string, append bool, entries []TraceEntry) {
	t.Helper()
	writer, err := NewTraceWriter(dir, jobID, append)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	for _, entry := range entries {
		if err := writer.Write(entry); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
}

func readEntries(t *testing.T, dir, jobID string) []TraceEntry {
	t.Helper()
	reader, err := NewTraceReader(dir, jobID)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()
	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	return entries
}

func TestTraceWriter_WriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "test-job-123"

	entries := []TraceEntry{
		NewTraceEntry(testPoint(0, 1.5)),
		NewTraceEntry(testPoint(1, 12.25)),
		NewTraceEntry(testPoint(2, 0)),
	}
	writeEntries(t, tmpDir, jobID, false, entries)

	tracePath := filepath.Join(tmpDir, "jobs", jobID, "trace.jsonl")
	if _, err := os.Stat(tracePath); os.IsNotExist(err) {
		t.Fatalf("Trace file not created: %s", tracePath)
	}

	got := readEntries(t, tmpDir, jobID)
	if len(got) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(got))
	}
	for i, entry := range got {
		if entry.Index != i {
			t.Errorf("Entry %d: expected index %d, got %d", i, i, entry.Index)
		}
		if entry.TS == nil || *entry.TS != *entries[i].TS {
			t.Errorf("Entry %d: TS mismatch", i)
		}
		if entry.Status != "converged" {
			t.Errorf("Entry %d: expected status converged, got %s", i, entry.Status)
		}
		if entry.Sys != "CEL" || math.Abs(entry.Lat-22.01) > 1e-9 {
			t.Errorf("Entry %d: direction mismatch %s(%g, %g)", i, entry.Sys, entry.Lon, entry.Lat)
		}
	}
}

func TestNewTraceEntry_NonFiniteValues(t *testing.T) {
	p := testPoint(7, math.NaN())
	p.Valid = false
	p.Status = fit.StateFailed
	p.Norm = math.Inf(1)
	p.Error = "fit failed"

	tmpDir := t.TempDir()
	writeEntries(t, tmpDir, "job", false, []TraceEntry{NewTraceEntry(p)})
	got := readEntries(t, tmpDir, "job")
	if len(got) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.TS != nil || e.Norm != nil {
		t.Errorf("Non-finite values should be null, got ts=%v norm=%v", e.TS, e.Norm)
	}
	if e.ErrPos == nil || *e.ErrPos != 0.1 {
		t.Errorf("Finite values should survive, got %v", e.ErrPos)
	}
	if e.Valid || e.Error != "fit failed" {
		t.Errorf("Failure not recorded: %+v", e)
	}
}

func TestTraceWriter_Append(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "test-job-append"

	writeEntries(t, tmpDir, jobID, false, []TraceEntry{NewTraceEntry(testPoint(0, 1))})
	writeEntries(t, tmpDir, jobID, true, []TraceEntry{NewTraceEntry(testPoint(1, 2))})

	got := readEntries(t, tmpDir, jobID)
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries after append, got %d", len(got))
	}
	if got[1].Index != 1 {
		t.Errorf("Expected appended index 1, got %d", got[1].Index)
	}

	// Truncate when not appending
	writeEntries(t, tmpDir, jobID, false, []TraceEntry{NewTraceEntry(testPoint(5, 3))})
	got = readEntries(t, tmpDir, jobID)
	if len(got) != 1 || got[0].Index != 5 {
		t.Errorf("Expected trace to be truncated, got %d entries", len(got))
	}
}

func TestTraceWriter_Flush(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "test-job-flush"

	writer, err := NewTraceWriter(tmpDir, jobID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	if err := writer.Write(NewTraceEntry(testPoint(0, 4))); err != nil {
		t.Fatalf("Failed to write entry: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	info, err := os.Stat(writer.Path())
	if err != nil {
		t.Fatalf("Failed to stat trace file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("Trace file is empty after flush")
	}
}

func TestTraceReader_ReadIteratively(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "test-job-iter"

	var entries []TraceEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, NewTraceEntry(testPoint(i, float64(i))))
	}
	writeEntries(t, tmpDir, jobID, false, entries)

	reader, err := NewTraceReader(tmpDir, jobID)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	count := 0
	for {
		entry, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if entry.Index != count {
			t.Errorf("Expected index %d, got %d", count, entry.Index)
		}
		count++
	}
	if count != 5 {
		t.Errorf("Expected 5 entries, got %d", count)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %T: %v", err, err)
	}
}

func TestDeleteTrace(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "test-job-delete"
	writeEntries(t, tmpDir, jobID, false, []TraceEntry{NewTraceEntry(testPoint(0, 1))})

	if err := DeleteTrace(tmpDir, jobID); err != nil {
		t.Fatalf("DeleteTrace failed: %v", err)
	}
	tracePath := filepath.Join(tmpDir, "jobs", jobID, "trace.jsonl")
	if _, err := os.Stat(tracePath); !os.IsNotExist(err) {
		t.Error("Trace file still exists after delete")
	}

	// Deleting again is not an error
	if err := DeleteTrace(tmpDir, jobID); err != nil {
		t.Errorf("DeleteTrace on missing file failed: %v", err)
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "test-job-concurrent"

	writer, err := NewTraceWriter(tmpDir, jobID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	const goroutines, perGoroutine = 8, 25
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if err := writer.Write(NewTraceEntry(testPoint(g*perGoroutine+i, 1))); err != nil {
					t.Errorf("Concurrent write failed: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	got := readEntries(t, tmpDir, jobID)
	if len(got) != goroutines*perGoroutine {
		t.Errorf("Expected %d entries, got %d", goroutines*perGoroutine, len(got))
	}
}
