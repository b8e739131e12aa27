// Package postgres stores sessions, turns, summaries and insights in
// PostgreSQL through database/sql and the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"couple-talk/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          VARCHAR(64) PRIMARY KEY,
	user_id     VARCHAR(255) NOT NULL,
	status      VARCHAR(16) NOT NULL,
	turn_count  INTEGER NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ,
	is_resolved BOOLEAN
);
CREATE TABLE IF NOT EXISTS turns (
	session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	role       VARCHAR(16) NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS conversation_summaries (
	session_id       VARCHAR(64) PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	text             TEXT NOT NULL,
	summarized_count INTEGER NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS session_insights (
	session_id         VARCHAR(64) PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	title              TEXT NOT NULL,
	summary            TEXT NOT NULL,
	root_cause         TEXT NOT NULL,
	emotions           JSONB NOT NULL,
	suggested_approach TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
)`

const (
	sqlInsertSession = `INSERT INTO sessions (id, user_id, status, started_at) VALUES ($1, $2, $3, $4)`
	sqlSelectSession = `SELECT id, user_id, status, started_at, ended_at, is_resolved FROM sessions WHERE id = $1`
	sqlDeleteSession = `DELETE FROM sessions WHERE id = $1`

	sqlTransition = `UPDATE sessions SET status = $2, ended_at = $3, is_resolved = COALESCE($4, is_resolved)
		WHERE id = $1 AND status = 'active'`

	sqlNextSeq = `UPDATE sessions SET turn_count = turn_count + 1
		WHERE id = $1 AND status = 'active' RETURNING turn_count`

	sqlInsertTurn  = `INSERT INTO turns (session_id, seq, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`
	sqlSelectTurns = `SELECT seq, role, content, created_at FROM turns WHERE session_id = $1 ORDER BY seq`

	sqlSelectSummary = `SELECT text, summarized_count, updated_at FROM conversation_summaries WHERE session_id = $1`
	sqlDeleteSummary = `DELETE FROM conversation_summaries WHERE session_id = $1`

	sqlUpsertSummary = `INSERT INTO conversation_summaries (session_id, text, summarized_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			text = EXCLUDED.text,
			summarized_count = EXCLUDED.summarized_count,
			updated_at = EXCLUDED.updated_at
		WHERE conversation_summaries.summarized_count <= EXCLUDED.summarized_count`

	sqlUpsertInsight = `INSERT INTO session_insights
		(session_id, title, summary, root_cause, emotions, suggested_approach, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			root_cause = EXCLUDED.root_cause,
			emotions = EXCLUDED.emotions,
			suggested_approach = EXCLUDED.suggested_approach,
			created_at = EXCLUDED.created_at`

	sqlSelectInsight = `SELECT title, summary, root_cause, emotions, suggested_approach, created_at
		FROM session_insights WHERE session_id = $1`
)

// Options tunes the connection pool opened by Open.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to dsn with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string, o Options) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open connection: %w", err)
	}
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		db.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}
	return db, nil
}

// Store implements the conversation store on a *sql.DB.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres: db must not be nil")
	}
	return &Store{db: db, now: time.Now}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	_, err := s.db.ExecContext(ctx, sqlInsertSession, session.ID, session.UserID, string(session.Status), session.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var (
		out      domain.Session
		status   string
		endedAt  sql.NullTime
		resolved sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, sqlSelectSession, sessionID).
		Scan(&out.ID, &out.UserID, &status, &out.StartedAt, &endedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	out.Status = domain.SessionStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		out.EndedAt = &t
	}
	if resolved.Valid {
		b := resolved.Bool
		out.IsResolved = &b
	}
	return out, nil
}

// TransitionSession moves an active session to a terminal status.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, tr domain.SessionTransition) error {
	var resolved sql.NullBool
	if tr.IsResolved != nil {
		resolved = sql.NullBool{Bool: *tr.IsResolved, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, sqlTransition, sessionID, string(tr.Status), tr.EndedAt.UTC(), resolved)
	if err != nil {
		return fmt.Errorf("postgres: transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: transition session rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: transition session %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

// AppendTurn bumps the session's turn counter and inserts the turn under the
// new value in one transaction.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, role domain.Role, content string) (turn domain.Turn, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("postgres: begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int
	err = tx.QueryRowContext(ctx, sqlNextSeq, sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Turn{}, fmt.Errorf("postgres: append turn %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Turn{}, fmt.Errorf("postgres: reserve seq: %w", err)
	}

	turn = domain.Turn{
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if _, err = tx.ExecContext(ctx, sqlInsertTurn, sessionID, seq, string(role), content, turn.CreatedAt); err != nil {
		return domain.Turn{}, fmt.Errorf("postgres: insert turn: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return domain.Turn{}, fmt.Errorf("postgres: commit transaction: %w", err)
	}
	return turn, nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectTurns, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		t := domain.Turn{SessionID: sessionID}
		var role string
		if err := rows.Scan(&t.Seq, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan turn: %w", err)
		}
		t.Role = domain.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration: %w", err)
	}
	return turns, nil
}

// GetSummary returns nil when the session has no summary yet.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*domain.ConversationSummary, error) {
	out := domain.ConversationSummary{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx, sqlSelectSummary, sessionID).
		Scan(&out.Text, &out.SummarizedMessageCount, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get summary: %w", err)
	}
	return &out, nil
}

// UpsertSummary replaces the stored summary unless the stored one already
// covers more turns.
func (s *Store) UpsertSummary(ctx context.Context, summary domain.ConversationSummary) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertSummary,
		summary.SessionID, summary.Text, summary.SummarizedMessageCount, summary.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: upsert summary: %w", err)
	}
	return nil
}

func (s *Store) DeleteSummary(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteSummary, sessionID); err != nil {
		return fmt.Errorf("postgres: delete summary: %w", err)
	}
	return nil
}

// DeleteSession removes the session; turns, summary and insight cascade.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteSession, sessionID); err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	return nil
}

func (s *Store) SaveInsight(ctx context.Context, insight domain.SessionInsight) error {
	emotions := insight.Emotions
	if emotions == nil {
		emotions = []string{}
	}
	raw, err := json.Marshal(emotions)
	if err != nil {
		return fmt.Errorf("postgres: marshal emotions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlUpsertInsight,
		insight.SessionID, insight.Title, insight.Summary, insight.RootCause,
		raw, insight.SuggestedApproach, insight.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: save insight: %w", err)
	}
	return nil
}

func (s *Store) GetInsight(ctx context.Context, sessionID string) (domain.SessionInsight, error) {
	out := domain.SessionInsight{SessionID: sessionID}
	var emotions []byte
	err := s.db.QueryRowContext(ctx, sqlSelectInsight, sessionID).
		Scan(&out.Title, &out.Summary, &out.RootCause, &emotions, &out.SuggestedApproach, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionInsight{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SessionInsight{}, fmt.Errorf("postgres: get insight: %w", err)
	}
	if err := json.Unmarshal(emotions, &out.Emotions); err != nil {
		return domain.SessionInsight{}, fmt.Errorf("postgres: decode emotions: %w", err)
	}
	return out, nil
}
