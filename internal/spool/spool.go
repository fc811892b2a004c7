// Package spool provides a durable on-disk queue for records that could not
// reach the store, drained back into it once the store recovers.
package spool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sequent/sequent/pkg/types"
)

const (
	segmentPrefix = "spool_"
	segmentSuffix = ".log"

	// Frame header: [length:4 LE][crc32:4 LE] followed by the JSON payload.
	frameHeaderSize = 8

	// Frames past this size are treated as corruption rather than data.
	maxFrameSize = 64 << 20
)

// Writer appends records to segmented spool files. Every append is fsynced
// before returning, so an acknowledged record survives a crash of the
// producer process.
type Writer struct {
	dir        string
	segment    *os.File
	segmentSeq uint64
	offset     int64
	maxSegSize int64
	mu         sync.Mutex
}

// NewWriter opens a spool writer in dir, creating the directory if needed.
// A non-empty newest segment is sealed rather than resumed: a crash may
// have left a torn frame at its tail, and readers stop at the first tear,
// so appending after one would strand the new records behind it.
func NewWriter(dir string, maxSegSize int64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	w := &Writer{
		dir:        dir,
		maxSegSize: maxSegSize,
	}

	if err := w.findLastSegment(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Join(w.dir, segmentName(w.segmentSeq))); err == nil && info.Size() > 0 {
		w.segmentSeq++
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// findLastSegment finds the highest segment sequence among existing files.
func (w *Writer) findLastSegment() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	var lastSeq uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		seq, ok := parseSegmentName(file.Name())
		if ok && seq >= lastSeq {
			lastSeq = seq
		}
	}

	w.segmentSeq = lastSeq
	return nil
}

// openSegment opens the current segment file for appending.
func (w *Writer) openSegment() error {
	path := filepath.Join(w.dir, segmentName(w.segmentSeq))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}

	w.segment = file
	w.offset = offset
	return nil
}

// Append frames and fsyncs one record onto the active segment, rotating to
// a fresh segment when the size threshold is crossed.
func (w *Writer) Append(rec *types.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := writeFrame(w.segment, payload); err != nil {
		return err
	}
	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}
	w.offset += int64(frameHeaderSize + len(payload))

	if w.offset >= w.maxSegSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Rotate seals the active segment and opens a fresh one, so the sealed
// segment becomes drainable. Rotating an empty segment is a no-op.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.offset == 0 {
		return nil
	}
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	if w.segment != nil {
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
	}
	w.segmentSeq++
	return w.openSegment()
}

// ActivePath returns the path of the segment currently open for writing.
func (w *Writer) ActivePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return filepath.Join(w.dir, segmentName(w.segmentSeq))
}

// Close fsyncs and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment != nil {
		if err := w.segment.Sync(); err != nil {
			return fmt.Errorf("failed to fsync on close: %w", err)
		}
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		w.segment = nil
	}
	return nil
}

// writeFrame writes one length+checksum framed payload.
func writeFrame(dst io.Writer, payload []byte) error {
	if err := binary.Write(dst, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if err := binary.Write(dst, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	if _, err := dst.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// Segments returns the spool segment paths in dir, oldest first. A missing
// directory is an empty spool.
func Segments(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var segments []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if _, ok := parseSegmentName(file.Name()); ok {
			segments = append(segments, filepath.Join(dir, file.Name()))
		}
	}

	// Lexicographic order is chronological for the fixed-width naming.
	sort.Strings(segments)
	return segments, nil
}

// ReadSegment decodes every intact record in a segment. A truncated frame
// at the tail, the footprint of a crash mid-append, ends the read without
// error; frames failing their checksum are skipped.
func ReadSegment(path string) ([]*types.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var records []*types.Record
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			// io.ErrUnexpectedEOF means a torn header, not a real frame.
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("failed to read length: %w", err)
		}
		if length > maxFrameSize {
			log.Printf("spool: implausible frame length %d in %s, stopping read", length, path)
			break
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			// Truncated write - stop reading
			break
		}

		if computed := crc32.ChecksumIEEE(payload); computed != crc {
			offset, _ := file.Seek(0, io.SeekCurrent)
			log.Printf("spool: checksum mismatch at offset %d in %s, skipping entry",
				offset-int64(length)-frameHeaderSize, path)
			continue
		}

		var rec types.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}

	return records, nil
}

// rewriteSegment replaces a segment's contents with the given records via a
// temp file rename, keeping the segment's position in drain order.
func rewriteSegment(path string, records []*types.Record) error {
	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create rewrite file: %w", err)
	}

	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to serialize record: %w", err)
		}
		if err := writeFrame(file, payload); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync rewrite file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close rewrite file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func segmentName(seq uint64) string {
	return fmt.Sprintf("%s%016x%s", segmentPrefix, seq, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if len(name) != len(segmentPrefix)+16+len(segmentSuffix) {
		return 0, false
	}
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(name[len(segmentPrefix):len(segmentPrefix)+16], "%016x", &seq); err != nil {
		return 0, false
	}
	return seq, true
}
