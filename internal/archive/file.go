package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

// FileSink writes events as zstd-compressed JSONL segments named
// events-<seq>.jsonl.zst. Segments rotate once their uncompressed size
// passes the limit. The archiver goroutine is the only caller.
type FileSink struct {
	dir      string
	maxBytes int64

	seq  uint64
	file *os.File
	enc  *zstd.Encoder
	size int64
}

type fileLine struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Type       string          `json:"type"`
	Topic      string          `json:"topic,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewFileSink creates the segment directory if needed.
func NewFileSink(dir string, segmentMaxBytes int64) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("invalid archive config: dir is empty")
	}
	if segmentMaxBytes <= 0 {
		segmentMaxBytes = defaultSegmentMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir, maxBytes: segmentMaxBytes}, nil
}

func (s *FileSink) Write(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := sonic.ConfigFastest.Marshal(fileLine{
			ReceivedAt: e.ReceivedAt,
			Type:       e.Type,
			Topic:      e.Topic,
			Payload:    e.Payload,
		})
		if err != nil {
			return fmt.Errorf("encode archive line: %w", err)
		}
		line = append(line, '\n')

		if s.enc == nil || s.size+int64(len(line)) > s.maxBytes {
			if err := s.rotate(); err != nil {
				return err
			}
		}
		if _, err := s.enc.Write(line); err != nil {
			return err
		}
		s.size += int64(len(line))
	}
	if s.enc != nil {
		return s.enc.Flush()
	}
	return nil
}

func (s *FileSink) Close() error {
	return s.closeSegment()
}

// rotate closes the open segment and starts the next one. Sequence
// numbers skip names that already exist in the directory.
func (s *FileSink) rotate() error {
	if err := s.closeSegment(); err != nil {
		return err
	}
	for {
		s.seq++
		name := fmt.Sprintf("%s-%06d.jsonl.zst", defaultFilePrefix, s.seq)
		file, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return err
		}
		enc, err := zstd.NewWriter(file)
		if err != nil {
			_ = file.Close()
			return err
		}
		s.file = file
		s.enc = enc
		s.size = 0
		return nil
	}
}

func (s *FileSink) closeSegment() error {
	if s.enc == nil {
		return nil
	}
	encErr := s.enc.Close()
	fileErr := s.file.Close()
	s.enc = nil
	s.file = nil
	if encErr != nil {
		return encErr
	}
	return fileErr
}
