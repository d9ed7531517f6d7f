package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// ErrCorrupt is returned by Iterate when a record fails its checksum.
var ErrCorrupt = errors.New("wal: record checksum mismatch")

// WAL represents a Write Ahead Log.
type WAL struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	noSync bool
	size   int64
}

// Open opens or creates a WAL file. When noSync is set, Append leaves
// flushing to the operating system.
func Open(path string, noSync bool) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &WAL{
		f:      f,
		path:   path,
		noSync: noSync,
		size:   st.Size(),
	}, nil
}

// Append writes an entry to the WAL.
// Format: Len(4) | Data(N) | CRC(4)
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := make([]byte, 0, len(data)+8)
	rec = binary.BigEndian.AppendUint32(rec, uint32(len(data)))
	rec = append(rec, data...)
	rec = binary.BigEndian.AppendUint32(rec, crc32.ChecksumIEEE(data))
	if _, err := w.f.Write(rec); err != nil {
		return err
	}
	w.size += int64(len(rec))

	if w.noSync {
		return nil
	}
	return w.f.Sync()
}

// Iterate reads all entries from the WAL calling handler for each.
// A record cut short by a crash ends the log; it is truncated away so
// later appends start on a record boundary.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var good int64
	hdr := make([]byte, 4)
	for {
		if _, err := io.ReadFull(w.f, hdr); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				return w.truncateLocked(good)
			}
			return err
		}
		length := binary.BigEndian.Uint32(hdr)

		data := make([]byte, length)
		if _, err := io.ReadFull(w.f, data); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return w.truncateLocked(good)
			}
			return err
		}
		if _, err := io.ReadFull(w.f, hdr); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return w.truncateLocked(good)
			}
			return err
		}
		if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(hdr) {
			return fmt.Errorf("%w at offset %d", ErrCorrupt, good)
		}

		if err := handler(data); err != nil {
			return err
		}
		good += int64(length) + 8
	}

	_, err := w.f.Seek(0, io.SeekEnd)
	return err
}

func (w *WAL) truncateLocked(size int64) error {
	if err := w.f.Truncate(size); err != nil {
		return err
	}
	w.size = size
	_, err := w.f.Seek(0, io.SeekEnd)
	return err
}

// Reset discards every record, typically after a checkpoint made them
// redundant.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.truncateLocked(0); err != nil {
		return err
	}
	if w.noSync {
		return nil
	}
	return w.f.Sync()
}

// Size returns the current log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WAL) Path() string { return w.path }

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
