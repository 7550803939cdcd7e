package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// Repository is a batched sqlite-backed Sink. Events buffer in memory
// and flush on batch size or timer; Close drains the buffer.
type Repository struct {
	db            *sql.DB
	cfg           Config
	mu            sync.Mutex
	buffer        []Event
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// NewSink returns the configured event sink: a Repository when history
// is enabled, a NopSink otherwise.
func NewSink(cfg Config) (Sink, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled {
		logger.Debug().Msg("History disabled, using no-op sink")
		return NopSink{}, func() error { return nil }, nil
	}

	repo, err := NewRepository(cfg)
	if err != nil {
		return nil, nil, err
	}

	return repo, repo.Close, nil
}

func NewRepository(cfg Config) (*Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// WAL keeps writers from blocking the status reads.
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Msg("History repository initialized")

	repo := &Repository{
		db:            db,
		cfg:           cfg,
		buffer:        make([]Event, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 0 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(time.Duration(cfg.BatchTimeout) * time.Second)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

// Record buffers one event. Storage failures are logged, never surfaced:
// the event log must not be able to break a priority write.
func (r *Repository) Record(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, event)
	if len(r.buffer) >= r.cfg.BatchSize {
		if err := r.flush(); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush history batch")
		}
	}
}

// Recent returns up to limit events, newest first.
func (r *Repository) Recent(limit int) ([]Event, error) {
	errFactory := errors.New()

	r.mu.Lock()
	if err := r.flush(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	rows, err := r.db.Query(selectRecentSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		var kind string
		if err := rows.Scan(&ts, &kind, &e.PID, &e.Name, &e.Detail); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		e.Time = time.Unix(ts, 0)
		e.Kind = Kind(kind)
		events = append(events, e)
	}

	return events, rows.Err()
}

func (r *Repository) Close() error {
	errFactory := errors.New()

	if r.flushTicker != nil {
		close(r.shutdownChan)
		r.flushTicker.Stop()
		<-r.flushDoneChan
	} else {
		r.mu.Lock()
		if err := r.flush(); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush history on close")
		}
		r.mu.Unlock()
	}

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	logger.Debug().Msg("History repository closed")

	return nil
}

func (r *Repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				logger.Warn().Err(err).Msg("Failed to flush history batch")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				logger.Warn().Err(err).Msg("Failed to flush history batch")
			}
			r.mu.Unlock()
			return
		}
	}
}

func (r *Repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertEventSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			logger.Debug().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, e := range r.buffer {
		if _, err := stmt.Exec(e.Time.Unix(), string(e.Kind), e.PID, e.Name, e.Detail); err != nil {
			if err := tx.Rollback(); err != nil {
				logger.Debug().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	logger.Debug().Int("records", len(r.buffer)).Msg("Flushed events to history")
	r.buffer = r.buffer[:0]

	return nil
}
