package story

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hearthtales/hearth-core/internal/config"
	_ "modernc.org/sqlite"
)

// State is the lifecycle phase of a story.
type State string

const (
	StateInitializing State = "initializing"
	StateGenerating   State = "generating"
	StateCompleted    State = "completed"
	StateAbandoned    State = "abandoned"
)

// StoryState is the persistent multi-turn progress of one story. It is
// mutated exclusively through the Tracker.
type StoryState struct {
	SessionID       string
	StoryID         string
	AccumulatedText string
	LastChunkIndex  int
	TargetWordCount int
	Status          State
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Turn is one recorded exchange, kept as a session timeline.
type Turn struct {
	ID          int64
	SessionID   string
	StoryID     string
	ContentType string
	Text        string
	WordCount   int
	Truncated   bool
	CreatedAt   time.Time
}

// Store wraps a SQLite-backed story and turn store.
type Store struct {
	db    *sql.DB
	cfg   config.StoryStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral retention mode
// keeps everything in the Tracker's cache and persists nothing.
func Open(ctx context.Context, cfg config.StoryStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("story store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("story store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS stories (
    story_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    status TEXT NOT NULL,
    accumulated_text TEXT NOT NULL DEFAULT '',
    last_chunk_index INTEGER NOT NULL DEFAULT 0,
    target_word_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stories_session_status ON stories(session_id, status);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    story_id TEXT,
    content_type TEXT,
    text TEXT,
    word_count INTEGER NOT NULL DEFAULT 0,
    truncated INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveStory upserts the full story row.
func (s *Store) SaveStory(ctx context.Context, state StoryState) error {
	if s.db == nil {
		return nil
	}
	now := s.clock().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stories(story_id, session_id, status, accumulated_text, last_chunk_index, target_word_count, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(story_id) DO UPDATE SET
		   status=excluded.status,
		   accumulated_text=excluded.accumulated_text,
		   last_chunk_index=excluded.last_chunk_index,
		   target_word_count=excluded.target_word_count,
		   updated_at=excluded.updated_at`,
		state.StoryID, state.SessionID, string(state.Status), state.AccumulatedText,
		state.LastChunkIndex, state.TargetWordCount, state.CreatedAt, now)
	return err
}

// ActiveStory returns the most recent story for a session that is still
// open (initializing or generating).
func (s *Store) ActiveStory(ctx context.Context, sessionID string) (StoryState, bool, error) {
	if s.db == nil {
		return StoryState{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT story_id, session_id, status, accumulated_text, last_chunk_index, target_word_count, created_at, updated_at
		 FROM stories WHERE session_id = ? AND status IN (?, ?)
		 ORDER BY updated_at DESC LIMIT 1`,
		sessionID, string(StateInitializing), string(StateGenerating))
	state, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoryState{}, false, nil
	}
	if err != nil {
		return StoryState{}, false, err
	}
	return state, true, nil
}

// LoadStory fetches one story by id.
func (s *Store) LoadStory(ctx context.Context, storyID string) (StoryState, bool, error) {
	if s.db == nil {
		return StoryState{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT story_id, session_id, status, accumulated_text, last_chunk_index, target_word_count, created_at, updated_at
		 FROM stories WHERE story_id = ?`, storyID)
	state, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoryState{}, false, nil
	}
	if err != nil {
		return StoryState{}, false, err
	}
	return state, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (StoryState, error) {
	var state StoryState
	var status, created, updated string
	if err := row.Scan(&state.StoryID, &state.SessionID, &status, &state.AccumulatedText,
		&state.LastChunkIndex, &state.TargetWordCount, &created, &updated); err != nil {
		return StoryState{}, err
	}
	state.Status = State(status)
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		state.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		state.UpdatedAt = ts
	}
	return state, nil
}

// AppendTurn writes one turn into the session timeline.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) error {
	if s.db == nil {
		return nil
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock().UTC()
	}
	truncated := 0
	if turn.Truncated {
		truncated = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, story_id, content_type, text, word_count, truncated, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.StoryID, turn.ContentType, turn.Text, turn.WordCount, truncated, turn.CreatedAt)
	return err
}

// ListSessionTurns retrieves up to limit turns for a session ordered
// ascending by time.
func (s *Store) ListSessionTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, story_id, content_type, text, word_count, truncated, created_at
		 FROM turns WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var truncated int
		var created string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.StoryID, &t.ContentType, &t.Text, &t.WordCount, &truncated, &created); err != nil {
			return nil, err
		}
		t.Truncated = truncated != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.CreatedAt = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM stories WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM stories WHERE session_id IN (
			SELECT session_id FROM stories GROUP BY session_id
			ORDER BY MAX(updated_at) DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
