package oplog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	segmentPrefix = "oplog-"
	segmentSuffix = ".log"

	defaultBufferSize       = 1 << 20  // 1 MiB of buffered frames before a forced flush
	defaultSegmentSizeLimit = 64 << 20 // roll segments at 64 MiB
	flushInterval           = 100 * time.Millisecond
)

// DiskLogOptions tune a DiskLog. Zero values pick the defaults above.
type DiskLogOptions struct {
	BufferSize       int
	SegmentSizeLimit int64
	Term             int64
}

// DiskLog is the durable, segmented operation log. Appends are framed,
// buffered in memory, and flushed by a background goroutine as well as on
// Sync/Close. Slot reservation is a short critical section on the same
// mutex that orders appends.
type DiskLog struct {
	logger *zap.Logger
	dir    string

	mu               sync.Mutex
	file             *os.File
	currentSegmentID uint64
	segmentOffset    int64
	buffer           *bytes.Buffer
	bufferSize       int
	segmentSizeLimit int64
	nextTS           Timestamp
	term             int64
	closed           bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewDiskLog opens (or creates) the log rooted at dir, scans existing
// segments to recover the next timestamp, and starts the background
// flusher.
func NewDiskLog(dir string, logger *zap.Logger, opts DiskLogOptions) (*DiskLog, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.SegmentSizeLimit <= 0 {
		opts.SegmentSizeLimit = defaultSegmentSizeLimit
	}
	if opts.Term <= 0 {
		opts.Term = 1
	}
	if opts.SegmentSizeLimit < int64(opts.BufferSize) {
		return nil, fmt.Errorf("segment size limit (%d) must be >= buffer size (%d)",
			opts.SegmentSizeLimit, opts.BufferSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	l := &DiskLog{
		logger:           logger,
		dir:              dir,
		buffer:           bytes.NewBuffer(make([]byte, 0, opts.BufferSize)),
		bufferSize:       opts.BufferSize,
		segmentSizeLimit: opts.SegmentSizeLimit,
		nextTS:           1,
		term:             opts.Term,
		stopChan:         make(chan struct{}),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.flusher()

	logger.Info("oplog opened",
		zap.String("dir", dir),
		zap.Uint64("segment", l.currentSegmentID),
		zap.Uint64("nextTimestamp", uint64(l.nextTS)),
		zap.Int64("term", l.term))
	return l, nil
}

// recover scans existing segments in order, counts their entries to find
// the next timestamp, and opens the newest segment for appending. Called
// once from NewDiskLog before the flusher starts.
func (l *DiskLog) recover() error {
	segments, err := l.orderedSegments()
	if err != nil {
		return err
	}

	l.currentSegmentID = 1
	for _, seg := range segments {
		f, err := os.Open(seg.path)
		if err != nil {
			return fmt.Errorf("failed to open segment %s: %w", seg.path, err)
		}
		r := bufio.NewReader(f)
		for {
			e, err := readFrame(r)
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return fmt.Errorf("failed to read segment %s: %w", seg.path, err)
			}
			if e.Timestamp >= l.nextTS {
				l.nextTS = e.Timestamp + 1
			}
			if e.Term > l.term {
				l.term = e.Term
			}
		}
		f.Close()
		l.currentSegmentID = seg.id
	}

	path := l.segmentPath(l.currentSegmentID)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat segment %s: %w", path, err)
	}
	l.file = file
	l.segmentOffset = info.Size()
	return nil
}

type segmentInfo struct {
	path string
	id   uint64
}

func (l *DiskLog) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentSuffix))
}

func (l *DiskLog) orderedSegments() ([]segmentInfo, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", l.dir, err)
	}
	var segments []segmentInfo
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segmentInfo{path: filepath.Join(l.dir, name), id: id})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

// ReserveSlots implements Log.
func (l *DiskLog) ReserveSlots(n int) ([]OpTime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}
	slots := make([]OpTime, n)
	for i := range slots {
		slots[i] = OpTime{Timestamp: l.nextTS, Term: l.term}
		l.nextTS++
	}
	return slots, nil
}

// Append implements Log.
func (l *DiskLog) Append(e *Entry) (OpTime, error) {
	slots, err := l.ReserveSlots(1)
	if err != nil {
		return OpTime{}, err
	}
	e.Timestamp = slots[0].Timestamp
	e.Term = slots[0].Term
	if err := l.AppendReserved(e); err != nil {
		return OpTime{}, err
	}
	return slots[0], nil
}

// AppendReserved implements Log.
func (l *DiskLog) AppendReserved(e *Entry) error {
	if e.Timestamp == 0 {
		return ErrSlotNotReserved
	}
	data, err := e.Encode()
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}

	if l.buffer.Len()+len(frame) > l.bufferSize {
		if err := l.flushLocked(); err != nil {
			return fmt.Errorf("failed to flush before append: %w", err)
		}
	}
	if l.segmentOffset+int64(len(frame)) > l.segmentSizeLimit {
		if err := l.rollSegmentLocked(); err != nil {
			return fmt.Errorf("failed to roll segment before append: %w", err)
		}
	}
	if _, err := l.buffer.Write(frame); err != nil {
		return fmt.Errorf("failed to buffer entry: %w", err)
	}
	l.segmentOffset += int64(len(frame))

	l.logger.Debug("appended oplog entry",
		zap.Uint64("ts", uint64(e.Timestamp)),
		zap.String("op", string(e.OpType)),
		zap.String("ns", e.Namespace),
		zap.Int("bytes", len(frame)))
	return nil
}

// Sync flushes buffered frames and fsyncs the active segment.
func (l *DiskLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync oplog segment: %w", err)
	}
	return nil
}

// flushLocked writes the buffer to the active segment file. Callers hold
// l.mu. Does not fsync.
func (l *DiskLog) flushLocked() error {
	if l.buffer.Len() == 0 {
		return nil
	}
	n, err := l.file.Write(l.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write oplog buffer: %w", err)
	}
	if n != l.buffer.Len() {
		return fmt.Errorf("short write to oplog segment: expected %d, wrote %d", l.buffer.Len(), n)
	}
	l.buffer.Reset()
	return nil
}

// rollSegmentLocked flushes and syncs the active segment, then opens the
// next one. Callers hold l.mu.
func (l *DiskLog) rollSegmentLocked() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment before roll: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment before roll: %w", err)
	}

	l.currentSegmentID++
	path := l.segmentPath(l.currentSegmentID)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open new segment %s: %w", path, err)
	}
	l.file = file
	l.segmentOffset = 0
	l.logger.Info("rolled oplog segment", zap.Uint64("segment", l.currentSegmentID))
	return nil
}

// flusher periodically flushes and syncs buffered frames so that appends
// are not lost to a long quiet period.
func (l *DiskLog) flusher() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.closed && l.buffer.Len() > 0 {
				if err := l.flushLocked(); err != nil {
					l.logger.Error("periodic oplog flush failed", zap.Error(err))
				} else if err := l.file.Sync(); err != nil {
					l.logger.Error("periodic oplog sync failed", zap.Error(err))
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close flushes, syncs, and closes the log. Further calls fail with
// ErrLogClosed.
func (l *DiskLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLogClosed
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		l.logger.Error("final oplog flush failed", zap.Error(err))
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Error("final oplog sync failed", zap.Error(err))
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close oplog segment: %w", err)
	}
	l.logger.Info("oplog closed", zap.Uint64("lastTimestamp", uint64(l.nextTS-1)))
	return nil
}

// Reader iterates entries across all segments in append order. It observes
// only frames flushed before it was created; call Sync first for a
// consistent snapshot.
type Reader struct {
	segments []segmentInfo
	from     Timestamp
	file     *os.File
	r        *bufio.Reader
}

// NewReader returns a Reader positioned at the first entry with timestamp
// >= from.
func (l *DiskLog) NewReader(from Timestamp) (*Reader, error) {
	l.mu.Lock()
	segments, err := l.orderedSegments()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Reader{segments: segments, from: from}, nil
}

// Next returns the next entry, or io.EOF when the snapshot is exhausted.
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.file == nil {
			if len(r.segments) == 0 {
				return nil, io.EOF
			}
			f, err := os.Open(r.segments[0].path)
			if err != nil {
				return nil, fmt.Errorf("failed to open segment %s: %w", r.segments[0].path, err)
			}
			r.segments = r.segments[1:]
			r.file = f
			r.r = bufio.NewReader(f)
		}
		e, err := readFrame(r.r)
		if err == io.EOF {
			r.file.Close()
			r.file = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Timestamp < r.from {
			continue
		}
		return e, nil
	}
}

// Close releases the underlying file handle, if any.
func (r *Reader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// readFrame reads one length-prefixed entry frame.
func readFrame(r *bufio.Reader) (*Entry, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	size := binary.LittleEndian.Uint32(header[:])
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("truncated entry frame: %w", err)
	}
	return DecodeEntry(data)
}
