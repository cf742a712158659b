package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readSegment(t *testing.T, path string) []fileLine {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	dec, err := zstd.NewReader(file)
	require.NoError(t, err)
	defer dec.Close()

	var lines []fileLine
	scanner := bufio.NewScanner(dec)
	for scanner.Scan() {
		var line fileLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func segments(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl.zst"))
	require.NoError(t, err)
	sort.Strings(paths)
	return paths
}

func TestFileSinkWritesReadableSegments(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 1<<20)
	require.NoError(t, err)

	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	batch := []Event{
		{ReceivedAt: at, Type: "task.updated", Topic: "tasks", Payload: json.RawMessage(`{"id":"t-1","state":"running"}`)},
		{ReceivedAt: at, Type: "alert.raised", Topic: "alerts", Payload: json.RawMessage(`{"id":"a-1"}`)},
		{ReceivedAt: at, Type: "session.hello"},
	}
	require.NoError(t, sink.Write(context.Background(), batch))
	require.NoError(t, sink.Close())

	paths := segments(t, dir)
	require.Len(t, paths, 1)
	assert.Equal(t, "events-000001.jsonl.zst", filepath.Base(paths[0]))

	lines := readSegment(t, paths[0])
	require.Len(t, lines, 3)
	assert.Equal(t, "task.updated", lines[0].Type)
	assert.Equal(t, "tasks", lines[0].Topic)
	assert.JSONEq(t, `{"id":"t-1","state":"running"}`, string(lines[0].Payload))
	assert.Equal(t, "session.hello", lines[2].Type)
	assert.Empty(t, lines[2].Topic)
	assert.True(t, lines[0].ReceivedAt.Equal(at))
}

func TestFileSinkRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 64)
	require.NoError(t, err)

	var batch []Event
	for i := 0; i < 5; i++ {
		batch = append(batch, Event{
			ReceivedAt: time.Now().UTC(),
			Type:       "log.line",
			Topic:      "logs",
			Payload:    json.RawMessage(`{"line":"building the project workspace"}`),
		})
	}
	require.NoError(t, sink.Write(context.Background(), batch))
	require.NoError(t, sink.Close())

	paths := segments(t, dir)
	require.Greater(t, len(paths), 1, "small segment limit must rotate")

	total := 0
	for _, path := range paths {
		total += len(readSegment(t, path))
	}
	assert.Equal(t, 5, total, "rotation must not lose events")
}

func TestFileSinkSkipsExistingSegmentNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events-000001.jsonl.zst"), []byte("occupied"), 0o644))

	sink, err := NewFileSink(dir, 1<<20)
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), []Event{{Type: "session.hello", ReceivedAt: time.Now()}}))
	require.NoError(t, sink.Close())

	paths := segments(t, dir)
	require.Len(t, paths, 2)
	assert.Equal(t, "events-000002.jsonl.zst", filepath.Base(paths[1]))
}

func TestFileSinkRequiresDir(t *testing.T) {
	_, err := NewFileSink("", 0)
	require.Error(t, err)
}

func TestNopSink(t *testing.T) {
	sink := NopSink()
	require.NoError(t, sink.Write(context.Background(), []Event{{Type: "x"}}))
	require.NoError(t, sink.Close())
}
