package incident

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DeadLetterLog is an append-only file of requests the sink never accepted.
// Each record is a fixed big-endian header followed by the JSON request.
// Every access holds an flock on a sibling ".lock" file, so a replay in
// one process and appends from another never interleave.
type DeadLetterLog struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex

	appended atomic.Uint64
	removed  atomic.Uint64
	skipped  atomic.Uint64
}

// dlHeader is persisted on disk; do not reorder fields.
type dlHeader struct {
	Magic     [4]byte // "KDLQ"
	Version   uint16
	Flags     uint16
	Timestamp int64
	Size      uint32
	Checksum  uint32
}

const (
	dlMagic   = "KDLQ"
	dlVersion = 1

	// maxRecordSize bounds one payload; a larger size on disk means the
	// framing is corrupt.
	maxRecordSize = 1 << 20
)

type dlRecord struct {
	req       Request
	data      []byte
	timestamp int64
}

// NewDeadLetterLog uses the file at path, creating its directory.
func NewDeadLetterLog(path string, logger *zap.Logger) (*DeadLetterLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterLog{path: path, logger: logger.Named("dead-letter")}, nil
}

func (l *DeadLetterLog) Path() string { return l.path }

// withLock runs fn holding both the in-process mutex and the file lock.
func (l *DeadLetterLog) withLock(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter lock: %w", err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock dead-letter log: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	return fn()
}

// Append durably adds req to the log.
func (l *DeadLetterLog) Append(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("dead-letter record of %d bytes exceeds %d", len(data), maxRecordSize)
	}

	err = l.withLock(func() error {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open dead-letter log: %w", err)
		}
		if err := writeRecord(file, data, time.Now().UnixNano()); err != nil {
			file.Close()
			return err
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("failed to sync dead-letter log: %w", err)
		}
		return file.Close()
	})
	if err != nil {
		return err
	}
	l.appended.Add(1)
	return nil
}

func writeRecord(w io.Writer, data []byte, timestamp int64) error {
	header := dlHeader{
		Version:   dlVersion,
		Timestamp: timestamp,
		Size:      uint32(len(data)),
		Checksum:  crc32.ChecksumIEEE(data),
	}
	copy(header.Magic[:], dlMagic)

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := bw.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return bw.Flush()
}

// ReadAll returns every intact request in append order. Corrupt records
// are skipped; a torn final record ends the read.
func (l *DeadLetterLog) ReadAll() ([]Request, error) {
	var recs []dlRecord
	err := l.withLock(func() error {
		var err error
		recs, err = l.readLocked()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.req)
	}
	return out, nil
}

func (l *DeadLetterLog) readLocked() ([]dlRecord, error) {
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []dlRecord
	reader := bufio.NewReader(file)
	for {
		var header dlHeader
		if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return out, err
		}
		if string(header.Magic[:]) != dlMagic {
			// framing is lost; nothing after this point can be trusted
			l.logger.Warn("Invalid dead-letter magic, stopping read", zap.Int("read", len(out)))
			l.skipped.Add(1)
			break
		}
		if header.Size > maxRecordSize {
			l.logger.Warn("Oversized dead-letter record, stopping read",
				zap.Uint32("size", header.Size), zap.Int("read", len(out)))
			l.skipped.Add(1)
			break
		}

		data := make([]byte, header.Size)
		if _, err := io.ReadFull(reader, data); err != nil {
			l.logger.Warn("Truncated dead-letter record", zap.Error(err))
			break
		}
		if crc32.ChecksumIEEE(data) != header.Checksum {
			l.logger.Warn("Checksum mismatch, skipping dead-letter record")
			l.skipped.Add(1)
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			l.logger.Warn("Undecodable dead-letter record", zap.Error(err))
			l.skipped.Add(1)
			continue
		}
		out = append(out, dlRecord{req: req, data: data, timestamp: header.Timestamp})
	}
	return out, nil
}

// Remove drops the given requests from the log and keeps everything else,
// including records appended since they were read. The survivors are
// written to a temporary file that replaces the log atomically.
func (l *DeadLetterLog) Remove(delivered []Request) error {
	if len(delivered) == 0 {
		return nil
	}
	drop := make(map[string]int, len(delivered))
	for _, r := range delivered {
		drop[requestKey(r)]++
	}

	return l.withLock(func() error {
		recs, err := l.readLocked()
		if err != nil {
			return err
		}
		keep := recs[:0]
		for _, r := range recs {
			k := requestKey(r.req)
			if drop[k] > 0 {
				drop[k]--
				continue
			}
			keep = append(keep, r)
		}
		removed := len(recs) - len(keep)
		if removed == 0 {
			return nil
		}
		if err := l.rewriteLocked(keep); err != nil {
			return err
		}
		l.removed.Add(uint64(removed))
		return nil
	})
}

func (l *DeadLetterLog) rewriteLocked(recs []dlRecord) error {
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create dead-letter rewrite: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, r := range recs {
		if err := writeRecord(tmp, r.data, r.timestamp); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync dead-letter rewrite: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("failed to replace dead-letter log: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// requestKey identifies a record across reads. Keyed requests match on
// EpisodeID; unkeyed ones on their encoding.
func requestKey(r Request) string {
	if r.EpisodeID != "" {
		return "episode:" + r.EpisodeID
	}
	data, _ := json.Marshal(r)
	return "raw:" + string(data)
}

// Len counts the intact records.
func (l *DeadLetterLog) Len() int {
	reqs, _ := l.ReadAll()
	return len(reqs)
}

// GetMetrics returns dead-letter counters.
func (l *DeadLetterLog) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"appended": l.appended.Load(),
		"removed":  l.removed.Load(),
		"skipped":  l.skipped.Load(),
	}
}
