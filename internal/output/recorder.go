package output

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	defaultMaxStride       = 8
	defaultRecorderMailbox = 32
	// strideRecoverAfter is the number of gap-free deliveries after which
	// the stride is halved again.
	strideRecoverAfter = 50
	indexFile          = "index.db"
)

// RecorderConfig configures where and how recordings are written.
type RecorderConfig struct {
	Dir         string
	Quality     int
	MaxStride   int
	MailboxSize int
}

// Recording summarizes a recording session.
type Recording struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Active    bool      `json:"active"`
	Frames    uint64    `json:"frames"`
	FirstSeq  uint64    `json:"first_seq"`
	LastSeq   uint64    `json:"last_seq"`
	Stride    int       `json:"stride"`
	Sampled   uint64    `json:"sampled_out"`
	Gaps      uint64    `json:"gaps"`
}

// Recorder persists frames as numbered JPEG files plus a sqlite index of
// sequence numbers. It never drops silently: when it falls behind it
// doubles its sampling stride, and every written frame is indexed by its
// sequence number so any gap is visible afterwards.
type Recorder struct {
	bus *bus.Bus
	cfg RecorderConfig

	mu     sync.Mutex
	active *session
	cancel context.CancelFunc
	done   chan struct{}
	last   *Recording
}

// NewRecorder creates an idle recorder for b.
func NewRecorder(b *bus.Bus, cfg RecorderConfig) *Recorder {
	if cfg.MaxStride <= 0 {
		cfg.MaxStride = defaultMaxStride
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultRecorderMailbox
	}
	return &Recorder{bus: b, cfg: cfg}
}

// Start opens a new session directory and begins recording.
func (r *Recorder) Start() (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return r.active.summary(), ErrAlreadyRecording
	}

	sess, err := openSession(r.cfg)
	if err != nil {
		return Recording{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.active, r.cancel, r.done = sess, cancel, done

	go func() {
		defer close(done)
		if err := Run(ctx, r.bus, sess, bus.WithMailbox(r.cfg.MailboxSize)); err != nil {
			logger.WithComponent("recorder").Error().Err(err).Str("session", sess.id).Msg("Recording aborted")
		}
		r.finish(sess)
	}()

	return sess.summary(), nil
}

func (r *Recorder) finish(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == sess {
		summary := sess.summary()
		r.last = &summary
		r.active = nil
		r.cancel()
	}
}

// Stop ends the running session and returns its summary.
func (r *Recorder) Stop() (Recording, error) {
	r.mu.Lock()
	sess, cancel, done := r.active, r.cancel, r.done
	r.mu.Unlock()

	if sess == nil {
		return Recording{}, ErrNotRecording
	}
	cancel()
	<-done
	return sess.summary(), nil
}

// Status returns the running session, or the last finished one with
// Active false. ok is false when nothing was ever recorded.
func (r *Recorder) Status() (rec Recording, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return r.active.summary(), true
	}
	if r.last != nil {
		return *r.last, true
	}
	return Recording{}, false
}

// Close stops any running session.
func (r *Recorder) Close() error {
	if _, err := r.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}
	return nil
}

// session is one recording, driven as a bus Output.
type session struct {
	id        string
	dir       string
	quality   int
	maxStride int
	db        *sql.DB
	insert    *sql.Stmt

	mu            sync.Mutex
	started       time.Time
	stopped       time.Time
	stride        int
	calm          int
	lastDelivered uint64
	lastWritten   uint64
	firstSeq      uint64
	frames        uint64
	sampled       uint64
	gaps          uint64
}

func openSession(cfg RecorderConfig) (*session, error) {
	id := uuid.New().String()
	dir := filepath.Join(cfg.Dir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open recording index: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		`CREATE TABLE IF NOT EXISTS frames (
			seq            INTEGER PRIMARY KEY,
			timestamp      INTEGER NOT NULL,
			file           TEXT NOT NULL,
			width          INTEGER NOT NULL,
			height         INTEGER NOT NULL,
			region_version INTEGER NOT NULL,
			stride         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to prepare recording index: %w", err)
		}
	}

	insert, err := db.Prepare(`INSERT INTO frames (seq, timestamp, file, width, height, region_version, stride)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare frame insert: %w", err)
	}

	s := &session{
		id:        id,
		dir:       dir,
		quality:   cfg.Quality,
		maxStride: cfg.MaxStride,
		db:        db,
		insert:    insert,
		started:   time.Now(),
		stride:    1,
	}
	s.setMeta("id", id)
	s.setMeta("started_at", s.started.Format(time.RFC3339Nano))

	logger.WithComponent("recorder").Info().Str("session", id).Str("dir", dir).Msg("Recording started")
	return s, nil
}

func (s *session) setMeta(key, value string) {
	if _, err := s.db.Exec(`INSERT INTO session (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		logger.WithComponent("recorder").Warn().Err(err).Str("key", key).Msg("Failed to write session metadata")
	}
}

func (s *session) Name() string { return "recorder " + s.id }

func (s *session) Start() error { return nil }

// WriteFrame adapts the stride to the observed gaps and writes every
// stride-th frame.
func (s *session) WriteFrame(f *frame.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.WithComponent("recorder")

	if s.lastDelivered != 0 && f.Seq > s.lastDelivered+1 {
		s.gaps += f.Seq - s.lastDelivered - 1
		s.calm = 0
		if s.stride < s.maxStride {
			s.stride = min(s.stride*2, s.maxStride)
			log.Warn().
				Str("session", s.id).
				Uint64("seq", f.Seq).
				Int("stride", s.stride).
				Msg("Recorder falling behind, sampling fewer frames")
		}
	} else if s.stride > 1 {
		s.calm++
		if s.calm >= strideRecoverAfter {
			s.stride /= 2
			s.calm = 0
			log.Info().Str("session", s.id).Int("stride", s.stride).Msg("Recorder caught up")
		}
	}
	s.lastDelivered = f.Seq

	if s.lastWritten != 0 && f.Seq < s.lastWritten+uint64(s.stride) {
		s.sampled++
		return nil
	}

	data, err := EncodeJPEG(f.Image, s.quality)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%010d.jpg", f.Seq)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", f.Seq, err)
	}
	if _, err := s.insert.Exec(f.Seq, f.Timestamp.UnixNano(), name, f.Width(), f.Height(), f.RegionVersion, s.stride); err != nil {
		return fmt.Errorf("failed to index frame %d: %w", f.Seq, err)
	}

	if s.frames == 0 {
		s.firstSeq = f.Seq
	}
	s.frames++
	s.lastWritten = f.Seq
	return nil
}

func (s *session) Stop() error {
	s.mu.Lock()
	s.stopped = time.Now()
	s.mu.Unlock()

	s.setMeta("stopped_at", s.stopped.Format(time.RFC3339Nano))
	s.insert.Close()
	err := s.db.Close()

	summary := s.summary()
	logger.WithComponent("recorder").Info().
		Str("session", s.id).
		Uint64("frames", summary.Frames).
		Uint64("sampled_out", summary.Sampled).
		Uint64("gaps", summary.Gaps).
		Msg("Recording stopped")
	return err
}

func (s *session) summary() Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Recording{
		ID:        s.id,
		Dir:       s.dir,
		StartedAt: s.started,
		StoppedAt: s.stopped,
		Active:    s.stopped.IsZero(),
		Frames:    s.frames,
		FirstSeq:  s.firstSeq,
		LastSeq:   s.lastWritten,
		Stride:    s.stride,
		Sampled:   s.sampled,
		Gaps:      s.gaps,
	}
}
