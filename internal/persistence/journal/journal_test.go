package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"loreforge.gg/internal/transport/ws"
)

func TestOpLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewOpLogger(dir)

	entries := []ws.OpRecord{
		{TS: 1, Client: "c1", User: "u1", Op: "PUT", Path: "sessions/s1/notes"},
		{TS: 2, Client: "c1", User: "u1", Op: "PATCH", Path: "sessions/s1/tokens/t1"},
		{TS: 3, Client: "c2", Op: "DEL", Path: "sessions/s1/tokens/t1"},
	}
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "ops", "ops-*.jsonl.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("journal files = %v, %v", matches, err)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []ws.OpRecord
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e ws.OpRecord
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line: %v", err)
		}
		got = append(got, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("entries = %d, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestOpLogger_AppendAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l := NewOpLogger(dir)
	if err := l.Record(ws.OpRecord{TS: 1, Op: "PUT", Path: "sessions/s1/notes"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l = NewOpLogger(dir)
	if err := l.Record(ws.OpRecord{TS: 2, Op: "PUT", Path: "sessions/s1/notes"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Same hour, same file: both frames appended.
	matches, _ := filepath.Glob(filepath.Join(dir, "ops", "ops-*.jsonl.zst"))
	if len(matches) != 1 {
		t.Fatalf("journal files = %v", matches)
	}
}
