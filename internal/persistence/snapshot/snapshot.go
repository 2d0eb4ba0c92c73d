// Package snapshot persists the whole store tree as a compressed file: a
// JSON header line followed by the JSON-encoded state. On startup the server
// imports the newest snapshot and replays nothing; the tree is the state.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
)

const version = 1

type Header struct {
	Version int   `json:"version"`
	SavedAt int64 `json:"saved_at"`
}

type SnapshotV1 struct {
	Header Header         `json:"header"`
	State  map[string]any `json:"state"`
}

func Write(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := json.NewEncoder(bw).Encode(snap.State); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return nil
}

func Read(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	hb, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(hb, &snap.Header); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if snap.Header.Version != version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if err := json.NewDecoder(br).Decode(&snap.State); err != nil {
		return snap, fmt.Errorf("decode state: %w", err)
	}
	return snap, nil
}

// Save writes state under dir with a timestamped name and returns the path.
func Save(dir string, state map[string]any) (string, error) {
	now := time.Now().UTC()
	path := filepath.Join(dir, fmt.Sprintf("state-%s.snap.zst", now.Format("20060102-150405")))
	snap := SnapshotV1{
		Header: Header{Version: version, SavedAt: now.UnixMilli()},
		State:  state,
	}
	if err := Write(path, snap); err != nil {
		return "", err
	}
	return path, nil
}

// Latest returns the newest snapshot under dir, or "" when none exist. The
// timestamped names sort lexicographically, so the last one wins.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "state-*.snap.zst"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
