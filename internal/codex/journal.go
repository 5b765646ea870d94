package codex

// The journal makes the Codex crash-durable:
//
//	Store/Reinforce/Decay/evict → Append() → journal (disk) → in-memory index
//	Compact() → snapshot.json (tmp, fsync, rename) → fresh journal
//
// On open, the snapshot is loaded and journal records with an LSN above the
// snapshot's are replayed on top. A torn or corrupted tail stops replay at the
// last good record.

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/telemetry"
)

const (
	journalMagic      = 0x47434458 // "GCDX"
	journalVersion    = 1
	journalHeaderSize = 16 // magic(4) + version(2) + reserved(2) + baseLSN(8)
	journalRecordHead = 12 // lsn(8) + payloadLen(4)
	journalCRCSize    = 4
	journalMaxPayload = 16 << 20

	journalFile  = "codex.journal"
	snapshotFile = "snapshot.json"

	defaultSyncInterval = 50 * time.Millisecond
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Sync modes for the journal.
const (
	SyncFull  = "full"  // fsync on every append
	SyncBatch = "batch" // fsync on an interval
	SyncNone  = "none"  // leave it to the OS
)

type journalOp string

const (
	opPut    journalOp = "put"
	opDelete journalOp = "delete"
)

type journalEntry struct {
	Op       journalOp             `json:"op"`
	ID       string                `json:"id"`
	Artifact *model.MemoryArtifact `json:"artifact,omitempty"`
}

type snapshot struct {
	LSN       uint64                 `json:"lsn"`
	TakenAt   time.Time              `json:"taken_at"`
	Artifacts []model.MemoryArtifact `json:"artifacts"`
}

// JournalConfig holds journal settings.
type JournalConfig struct {
	Dir          string // empty disables the journal
	SyncMode     string // full, batch, none. Default batch.
	SyncInterval time.Duration
}

// Journal is an append-only, CRC-checked log of Codex mutations plus a
// periodically compacted snapshot.
type Journal struct {
	dir      string
	syncMode string
	logger   *slog.Logger

	mu      sync.Mutex // guards current, nextLSN, records
	current *os.File
	nextLSN uint64
	records int // records since the last compaction

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// OpenJournal opens or creates the journal in cfg.Dir. Returns nil, nil when
// cfg.Dir is empty.
func OpenJournal(logger *slog.Logger, cfg JournalConfig) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncBatch
	}
	switch cfg.SyncMode {
	case SyncFull, SyncBatch, SyncNone:
	default:
		return nil, fmt.Errorf("codex: invalid journal sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("codex: create journal directory: %w", err)
	}

	j := &Journal{dir: cfg.Dir, syncMode: cfg.SyncMode, logger: logger}

	if cfg.SyncMode == SyncBatch {
		ctx, cancel := context.WithCancel(context.Background())
		j.syncCancel = cancel
		j.syncDone = make(chan struct{})
		go j.syncLoop(ctx, cfg.SyncInterval)
	}
	return j, nil
}

// Replay loads the snapshot and applies journal records written after it,
// then opens the journal for appending. It must be called once, before Append.
func (j *Journal) Replay() (map[string]model.MemoryArtifact, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap, err := j.loadSnapshot()
	if err != nil {
		return nil, err
	}
	state := make(map[string]model.MemoryArtifact, len(snap.Artifacts))
	for _, a := range snap.Artifacts {
		state[a.ID] = a
	}

	entries, highLSN, err := j.readJournal()
	if err != nil {
		return nil, err
	}
	applied := 0
	for _, e := range entries {
		if e.lsn <= snap.LSN {
			continue
		}
		switch e.entry.Op {
		case opPut:
			if e.entry.Artifact != nil {
				state[e.entry.ID] = *e.entry.Artifact
			}
		case opDelete:
			delete(state, e.entry.ID)
		}
		applied++
	}

	j.nextLSN = max(snap.LSN, highLSN) + 1

	// Fold the replayed records into a fresh snapshot so appends never land
	// after a torn tail.
	artifacts := make([]model.MemoryArtifact, 0, len(state))
	for _, a := range state {
		artifacts = append(artifacts, a)
	}
	if err := j.compactLocked(artifacts); err != nil {
		return nil, err
	}

	j.logger.Info("codex: journal replayed",
		"snapshot_artifacts", len(snap.Artifacts), "records_applied", applied, "artifacts", len(state))
	return state, nil
}

func (j *Journal) appendPut(a model.MemoryArtifact) error {
	return j.append(journalEntry{Op: opPut, ID: a.ID, Artifact: &a})
}

func (j *Journal) appendDelete(id string) error {
	return j.append(journalEntry{Op: opDelete, ID: id})
}

// append writes one record: [LSN(8) | payloadLen(4) | payload(N) | CRC32C(4)].
func (j *Journal) append(e journalEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("codex: marshal journal entry: %w", err)
	}
	if len(payload) > journalMaxPayload {
		return fmt.Errorf("codex: journal entry too large (%d bytes, max %d)", len(payload), journalMaxPayload)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return errors.New("codex: journal not open")
	}

	lsn := j.nextLSN
	j.nextLSN++

	var head [journalRecordHead]byte
	binary.BigEndian.PutUint64(head[0:8], lsn)
	binary.BigEndian.PutUint32(head[8:12], uint32(len(payload))) //nolint:gosec // bounded by journalMaxPayload

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	var crcBuf [journalCRCSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())

	buf := make([]byte, 0, journalRecordHead+len(payload)+journalCRCSize)
	buf = append(buf, head[:]...)
	buf = append(buf, payload...)
	buf = append(buf, crcBuf[:]...)
	if _, err := j.current.Write(buf); err != nil {
		return fmt.Errorf("codex: write journal record: %w", err)
	}
	j.records++

	if j.syncMode == SyncFull {
		if err := j.current.Sync(); err != nil {
			return fmt.Errorf("codex: fsync journal: %w", err)
		}
	}
	return nil
}

// Pending returns the number of records appended since the last compaction.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

// Compact writes artifacts as the new snapshot and starts an empty journal.
// The snapshot is flipped into place only after it is durable, so a crash at
// any point leaves either the old snapshot plus journal or the new snapshot.
func (j *Journal) Compact(artifacts []model.MemoryArtifact) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.compactLocked(artifacts)
}

func (j *Journal) compactLocked(artifacts []model.MemoryArtifact) error {
	snap := snapshot{LSN: j.nextLSN - 1, TakenAt: time.Now().UTC(), Artifacts: artifacts}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("codex: marshal snapshot: %w", err)
	}
	if err := writeFileSync(j.snapshotPath(), data); err != nil {
		return err
	}

	if j.current != nil {
		_ = j.current.Close()
		j.current = nil
	}
	if err := os.Remove(j.journalPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("codex: remove compacted journal: %w", err)
	}
	j.records = 0
	return j.openForAppend()
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	if j.syncCancel != nil {
		j.syncCancel()
		<-j.syncDone
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return nil
	}
	if err := j.current.Sync(); err != nil {
		j.logger.Warn("codex: final journal sync failed", "error", err)
	}
	err := j.current.Close()
	j.current = nil
	return err
}

func (j *Journal) journalPath() string  { return filepath.Join(j.dir, journalFile) }
func (j *Journal) snapshotPath() string { return filepath.Join(j.dir, snapshotFile) }

// openForAppend opens the journal file, writing a header if it is new.
// Caller holds j.mu.
func (j *Journal) openForAppend() error {
	path := j.journalPath()
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is constructed from j.dir
	if err != nil {
		return fmt.Errorf("codex: open journal: %w", err)
	}
	if statErr != nil || info.Size() < journalHeaderSize {
		if err := f.Truncate(0); err != nil {
			_ = f.Close()
			return fmt.Errorf("codex: reset journal: %w", err)
		}
		var hdr [journalHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[0:4], journalMagic)
		binary.BigEndian.PutUint16(hdr[4:6], journalVersion)
		binary.BigEndian.PutUint64(hdr[8:16], j.nextLSN)
		if _, err := f.Write(hdr[:]); err != nil {
			_ = f.Close()
			return fmt.Errorf("codex: write journal header: %w", err)
		}
	}
	j.current = f
	return nil
}

func (j *Journal) loadSnapshot() (snapshot, error) {
	data, err := os.ReadFile(j.snapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return snapshot{}, nil
	}
	if err != nil {
		return snapshot{}, fmt.Errorf("codex: read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshot{}, fmt.Errorf("codex: parse snapshot: %w", err)
	}
	return snap, nil
}

type journalRecord struct {
	lsn   uint64
	entry journalEntry
}

// readJournal reads every intact record. A bad header is an error; a bad
// record ends the read with a warning, keeping what came before it.
func (j *Journal) readJournal() ([]journalRecord, uint64, error) {
	path := j.journalPath()
	f, err := os.Open(path) //nolint:gosec // path is constructed from j.dir
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("codex: open journal: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var hdr [journalHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("codex: read journal header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != journalMagic {
		return nil, 0, fmt.Errorf("codex: bad journal magic 0x%08X", magic)
	}
	if version := binary.BigEndian.Uint16(hdr[4:6]); version != journalVersion {
		return nil, 0, fmt.Errorf("codex: unsupported journal version %d", version)
	}

	var records []journalRecord
	var highLSN uint64
	for {
		var head [journalRecordHead]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			break // end of journal or torn record head
		}
		lsn := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])
		if payloadLen > journalMaxPayload {
			j.logger.Warn("codex: corrupted journal record length, stopping replay", "lsn", lsn, "payload_len", payloadLen)
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		var crcBuf [journalCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break
		}

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if expected, actual := h.Sum32(), binary.BigEndian.Uint32(crcBuf[:]); expected != actual {
			j.logger.Warn("codex: journal CRC mismatch, stopping replay",
				"lsn", lsn, "expected_crc", expected, "actual_crc", actual)
			break
		}

		var e journalEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			j.logger.Warn("codex: corrupted journal entry, stopping replay", "lsn", lsn, "error", err)
			break
		}
		records = append(records, journalRecord{lsn: lsn, entry: e})
		highLSN = max(highLSN, lsn)
	}
	return records, highLSN, nil
}

func (j *Journal) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(j.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.mu.Lock()
			if j.current != nil {
				if err := j.current.Sync(); err != nil {
					j.logger.Warn("codex: batch journal sync failed", "error", err)
				}
			}
			j.mu.Unlock()
		}
	}
}

func (j *Journal) registerMetrics() {
	meter := telemetry.Meter("guardian/codex")
	_, _ = meter.Int64ObservableGauge("guardian.codex.journal_pending",
		metric.WithDescription("Journal records since the last snapshot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(j.Pending()))
			return nil
		}),
	)
}

// writeFileSync writes data to path via a synced temp file and rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is constructed from config
	if err != nil {
		return fmt.Errorf("codex: create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("codex: write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("codex: sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("codex: close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("codex: rename %s: %w", filepath.Base(tmp), err)
	}
	return nil
}
