package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrSyncInProgress is returned when a cycle is requested while another
// one is still running. Cycles never overlap.
var ErrSyncInProgress = errors.New("sync already in progress")

// SnapshotStore is the slice of the memory store the engine needs.
type SnapshotStore interface {
	ExportJSONL(ctx context.Context, w io.Writer) (int, error)
	ImportJSONL(ctx context.Context, r io.Reader, mode store.ImportMode) (store.ImportResult, error)
}

// Result reports one completed sync cycle.
type Result struct {
	Imported    int           `json:"imported"`
	Skipped     int           `json:"skipped"`
	Exported    int           `json:"exported"`
	RemoteFound bool          `json:"remote_found"`
	Pushed      bool          `json:"pushed"`
	Duration    time.Duration `json:"duration"`
}

// Engine runs pull-merge-push cycles against a Transferer, on demand and
// on a schedule.
type Engine struct {
	store      SnapshotStore
	transferer Transferer
	tempDir    string
	logger     zerolog.Logger

	// running guards against overlapping cycles across manual and
	// scheduled triggers.
	running sync.Mutex

	scheduleMu sync.Mutex
	sched      *cron.Cron
	entryID    cron.EntryID
	interval   time.Duration
}

// EngineConfig configures a sync engine.
type EngineConfig struct {
	Store      SnapshotStore
	Transferer Transferer
	// TempDir holds in-flight snapshot files, typically inside the data
	// directory so temp and database share a filesystem.
	TempDir string
	Logger  zerolog.Logger
}

// NewEngine creates a sync engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Transferer == nil {
		return nil, errors.New("transferer is required")
	}
	if cfg.TempDir == "" {
		return nil, errors.New("temp directory is required")
	}

	return &Engine{
		store:      cfg.Store,
		transferer: cfg.Transferer,
		tempDir:    cfg.TempDir,
		logger:     cfg.Logger,
	}, nil
}

// Cycle runs one pull-merge-push pass. A missing remote snapshot is a
// clean first run, not a failure. Only one cycle runs at a time; a second
// caller gets ErrSyncInProgress instead of queueing.
func (e *Engine) Cycle(ctx context.Context) (Result, error) {
	if !e.running.TryLock() {
		return Result{}, ErrSyncInProgress
	}
	defer e.running.Unlock()

	start := time.Now()
	result, err := e.runCycle(ctx)
	result.Duration = time.Since(start)

	if err != nil {
		observability.RecordSyncCycle("error", result.Duration)
		return result, err
	}

	observability.RecordSyncCycle("ok", result.Duration)
	e.logger.Info().
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Int("exported", result.Exported).
		Bool("pushed", result.Pushed).
		Dur("duration", result.Duration).
		Msg("Sync cycle complete")

	return result, nil
}

func (e *Engine) runCycle(ctx context.Context) (Result, error) {
	var result Result

	if err := os.MkdirAll(e.tempDir, 0700); err != nil {
		return result, fmt.Errorf("failed to create sync temp dir: %w", err)
	}

	pullPath := filepath.Join(e.tempDir, "pull.jsonl")
	defer os.Remove(pullPath)

	err := e.transferer.Download(ctx, pullPath)
	switch {
	case errors.Is(err, ErrRemoteNotFound):
		e.logger.Info().Msg("No remote snapshot yet, first sync")
	case err != nil:
		return result, err
	default:
		result.RemoteFound = true
		imported, err := e.importSnapshot(ctx, pullPath)
		if err != nil {
			return result, err
		}
		result.Imported = imported.Imported
		result.Skipped = imported.Skipped
	}

	pushPath := filepath.Join(e.tempDir, "push.jsonl")
	defer os.Remove(pushPath)

	exported, err := e.exportSnapshot(ctx, pushPath)
	if err != nil {
		return result, err
	}
	result.Exported = exported

	if err := e.transferer.Upload(ctx, pushPath); err != nil {
		return result, err
	}
	result.Pushed = true

	return result, nil
}

// importSnapshot merges a pulled snapshot file into the local store.
func (e *Engine) importSnapshot(ctx context.Context, path string) (store.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.ImportResult{}, fmt.Errorf("failed to open pulled snapshot: %w", err)
	}
	defer f.Close()

	res, err := e.store.ImportJSONL(ctx, f, store.ImportMerge)
	if err != nil {
		return store.ImportResult{}, fmt.Errorf("failed to merge remote snapshot: %w", err)
	}
	return res, nil
}

// exportSnapshot writes the local store to a snapshot file for upload.
func (e *Engine) exportSnapshot(ctx context.Context, path string) (int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create snapshot file: %w", err)
	}

	count, err := e.store.ExportJSONL(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to export snapshot: %w", err)
	}
	return count, nil
}

// StartAuto begins periodic background cycles. A non-positive interval
// leaves auto-sync off.
func (e *Engine) StartAuto(interval time.Duration) error {
	e.scheduleMu.Lock()
	defer e.scheduleMu.Unlock()

	if e.sched == nil {
		e.sched = cron.New()
		e.sched.Start()
	}
	return e.scheduleLocked(interval)
}

// SetInterval changes the auto-sync period at runtime. Zero disables
// scheduled cycles without touching a cycle already in flight.
func (e *Engine) SetInterval(interval time.Duration) error {
	e.scheduleMu.Lock()
	defer e.scheduleMu.Unlock()

	if e.sched == nil && interval <= 0 {
		return nil
	}
	if e.sched == nil {
		e.sched = cron.New()
		e.sched.Start()
	}
	return e.scheduleLocked(interval)
}

func (e *Engine) scheduleLocked(interval time.Duration) error {
	if e.entryID != 0 {
		e.sched.Remove(e.entryID)
		e.entryID = 0
	}
	e.interval = interval

	if interval <= 0 {
		e.logger.Info().Msg("Auto-sync disabled")
		return nil
	}

	id, err := e.sched.AddFunc(fmt.Sprintf("@every %s", interval), e.autoCycle)
	if err != nil {
		return fmt.Errorf("failed to schedule auto-sync: %w", err)
	}
	e.entryID = id

	e.logger.Info().Dur("interval", interval).Msg("Auto-sync scheduled")
	return nil
}

// autoCycle is the scheduled entry point. Failures are logged, never
// propagated; the next tick tries again.
func (e *Engine) autoCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := e.Cycle(ctx); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			e.logger.Debug().Msg("Skipping scheduled sync, previous cycle still running")
			return
		}
		e.logger.Error().Err(err).Msg("Scheduled sync failed")
	}
}

// Interval returns the current auto-sync period.
func (e *Engine) Interval() time.Duration {
	e.scheduleMu.Lock()
	defer e.scheduleMu.Unlock()
	return e.interval
}

// Stop halts the auto-sync schedule and waits for a running scheduled
// cycle to finish.
func (e *Engine) Stop() {
	e.scheduleMu.Lock()
	defer e.scheduleMu.Unlock()

	if e.sched != nil {
		ctx := e.sched.Stop()
		<-ctx.Done()
		e.sched = nil
		e.entryID = 0
	}
}
