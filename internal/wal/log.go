package wal

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Mode governs when WAL writes are fsynced (spec §6.3).
type Mode uint8

const (
	// ModeStrict fsyncs every commit record before the commit call
	// returns. Zero committed transactions lost on crash.
	ModeStrict Mode = iota
	// ModeBuffered fsyncs on a background cadence (default ~100ms). At
	// most one flush window of commits may be lost on crash; atomicity
	// per-transaction is preserved regardless.
	ModeBuffered
	// ModeNone opens no WAL at all; durability is waived for throughput.
	// Callers never construct a *Log in this mode — see Open.
	ModeNone
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeBuffered:
		return "buffered"
	case ModeNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseMode parses a durability mode name, matching the teacher's
// ParseStorageMode shape (internal/storage/storage_backend.go).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "strict":
		return ModeStrict, nil
	case "buffered", "":
		return ModeBuffered, nil
	case "none":
		return ModeNone, nil
	default:
		return ModeBuffered, fmt.Errorf("unknown durability mode %q (valid: strict, buffered, none)", s)
	}
}

// Config configures an on-disk WAL.
type Config struct {
	Dir string
	// MaxSegmentBytes rotates to a new segment before an append that
	// would make a non-empty active one exceed this size. Zero means no
	// rotation (spec §3.3 "optionally
	// rotated by size").
	MaxSegmentBytes int64
	// FlushInterval is the Buffered mode's background fsync cadence.
	// Zero defaults to 100ms (spec §4.2, §9 — never hardcoded, always a
	// knob).
	FlushInterval time.Duration
}

const segmentPrefix = "seg-"
const segmentSuffix = ".wal"

type segment struct {
	id     uint64
	file   *os.File
	writer *bufio.Writer
	size   int64
}

// Log is the append-only, sequentially-read WAL. A single writer, many
// readers (during recovery only) — spec §5.
type Log struct {
	mu   sync.Mutex
	dir  string
	cfg  Config
	cur  *segment
	nextLSN uint64

	cronSched *cron.Cron // drives the Buffered-mode background flush
}

// Open creates or opens the WAL directory described by cfg. Segments are
// named by monotonic id so recovery walks them in order (spec §6.2).
func Open(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal: dir required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	l := &Log{dir: cfg.Dir, cfg: cfg}

	ids, err := existingSegmentIDs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	var nextID uint64 = 1
	if len(ids) > 0 {
		nextID = ids[len(ids)-1]
	}
	seg, err := l.openSegment(nextID, true)
	if err != nil {
		return nil, err
	}
	l.cur = seg
	return l, nil
}

func existingSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentSuffix))
}

func (l *Log) openSegment(id uint64, appendExisting bool) (*segment, error) {
	flags := os.O_CREATE | os.O_RDWR
	if appendExisting {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(segmentPath(l.dir, id), flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %d: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat segment %d: %w", id, err)
	}
	return &segment{id: id, file: f, writer: bufio.NewWriter(f), size: info.Size()}, nil
}

// Segments returns the ordered list of segment file paths, for recovery.
func (l *Log) Segments() ([]string, error) {
	ids, err := existingSegmentIDs(l.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, segmentPath(l.dir, id))
	}
	return out, nil
}

// Append writes a frame to the active segment, flushing it to the OS
// buffer (not necessarily fsynced — that is governed by Sync and the
// durability mode, spec §4.2). It rotates to a new segment first if the
// configured size threshold would be exceeded.
func (l *Log) Append(f Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := f.Marshal()
	if l.cfg.MaxSegmentBytes > 0 && l.cur.size > 0 && l.cur.size+int64(len(data)) > l.cfg.MaxSegmentBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	if _, err := l.cur.writer.Write(data); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	if err := l.cur.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	l.cur.size += int64(len(data))
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.cur.writer.Flush(); err != nil {
		return err
	}
	if err := l.cur.file.Close(); err != nil {
		return err
	}
	next, err := l.openSegment(l.cur.id+1, false)
	if err != nil {
		return err
	}
	l.cur = next
	return nil
}

// Sync fsyncs the active segment, guaranteeing durability of everything
// appended so far (spec §6.3 Strict mode; also invoked by the Buffered
// background flush).
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur.file.Sync()
}

// StartBackgroundFlush launches the Buffered-mode periodic fsync using a
// cron.Cron job on an "@every <interval>" schedule — the teacher's own
// scheduler (internal/storage/scheduler.go) drives periodic maintenance
// the same way. Best-effort: flush failures are logged, never returned to
// a caller (spec §7 "background tasks ... log and continue on failure").
func (l *Log) StartBackgroundFlush() {
	if l.cronSched != nil {
		return
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", l.cfg.FlushInterval)
	_, err := c.AddFunc(spec, func() {
		if err := l.Sync(); err != nil {
			log.Printf("wal: background flush failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("wal: could not schedule background flush: %v", err)
		return
	}
	c.Start()
	l.cronSched = c
}

// Close stops any background flush and closes the active segment with a
// final fsync (spec §5 "Resource cleanup").
func (l *Log) Close() error {
	l.mu.Lock()
	sched := l.cronSched
	l.cronSched = nil
	l.mu.Unlock()

	if sched != nil {
		ctx := sched.Stop()
		<-ctx.Done()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.cur.writer.Flush(); err != nil {
		return err
	}
	if err := l.cur.file.Sync(); err != nil {
		return err
	}
	return l.cur.file.Close()
}

// Truncate resets the WAL to empty (all segments removed, a fresh segment
// 1 created) after a checkpoint has made them redundant.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.cur.writer.Flush(); err != nil {
		return err
	}
	if err := l.cur.file.Close(); err != nil {
		return err
	}

	ids, err := existingSegmentIDs(l.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := os.Remove(segmentPath(l.dir, id)); err != nil {
			return fmt.Errorf("wal: remove segment %d: %w", id, err)
		}
	}

	seg, err := l.openSegment(1, true)
	if err != nil {
		return err
	}
	l.cur = seg
	return nil
}
