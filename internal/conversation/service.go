// Package conversation decides what context a chat session sends to the LLM,
// when the session's rolling summary is refreshed in the background, and what
// happens to a session when it ends.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"couple-talk/internal/domain"
	"couple-talk/internal/metrics"
)

const (
	defaultRecentWindow     = 10
	defaultSummaryThreshold = 20
	defaultMinUserTurns     = 4
	defaultReplyTimeout     = 20 * time.Second
	defaultSummaryTimeout   = 60 * time.Second
	defaultMaxMessageLength = 2000
)

// ContextPolicy controls how the recent window relates to the rolling summary.
type ContextPolicy string

const (
	// PolicyOverlap always resends the last RecentWindow turns verbatim, even
	// when the summary already covers some of them.
	PolicyOverlap ContextPolicy = "overlap"
	// PolicyPartition sends exactly the turns the summary does not cover.
	PolicyPartition ContextPolicy = "partition"
)

type Config struct {
	RecentWindow     int
	SummaryThreshold int
	MinUserTurns     int
	Policy           ContextPolicy
	ReplyTimeout     time.Duration
	SummaryTimeout   time.Duration
	MaxMessageLength int
}

func (c Config) withDefaults() Config {
	if c.RecentWindow <= 0 {
		c.RecentWindow = defaultRecentWindow
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = defaultSummaryThreshold
	}
	if c.MinUserTurns <= 0 {
		c.MinUserTurns = defaultMinUserTurns
	}
	if c.Policy != PolicyPartition {
		c.Policy = PolicyOverlap
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = defaultReplyTimeout
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = defaultSummaryTimeout
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = defaultMaxMessageLength
	}
	return c
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

type MessageStore interface {
	// AppendTurn persists a turn and returns it with its 1-based Seq, which is
	// also the session's new total turn count.
	AppendTurn(ctx context.Context, sessionID string, role domain.Role, content string) (domain.Turn, error)
	// ListTurns returns every turn of the session oldest-first.
	ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error)
}

type SummaryStore interface {
	// GetSummary returns nil without error when the session has no summary.
	GetSummary(ctx context.Context, sessionID string) (*domain.ConversationSummary, error)
	UpsertSummary(ctx context.Context, summary domain.ConversationSummary) error
	DeleteSummary(ctx context.Context, sessionID string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	TransitionSession(ctx context.Context, sessionID string, tr domain.SessionTransition) error
	// DeleteSession removes the session and cascades to its turns, summary and insight.
	DeleteSession(ctx context.Context, sessionID string) error
	SaveInsight(ctx context.Context, insight domain.SessionInsight) error
	GetInsight(ctx context.Context, sessionID string) (domain.SessionInsight, error)
}

// Store is the full persistence surface the service depends on.
type Store interface {
	MessageStore
	SummaryStore
	SessionStore
}

type LLMClient interface {
	Reply(ctx context.Context, window domain.ContextWindow) (string, error)
	SummarizeTurns(ctx context.Context, turns []domain.Turn) (string, error)
	SummarizeSessionForAnalytics(ctx context.Context, turns []domain.Turn) (domain.SessionInsight, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

// Scheduler runs background work without blocking the caller.
type Scheduler interface {
	Submit(ctx context.Context, name string, task func(context.Context) error) error
}

type Service struct {
	store     Store
	llm       LLMClient
	scheduler Scheduler
	cfg       Config

	moderator Moderator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	locks     *keyedMutex
}

type Option func(*Service)

func WithModerator(m Moderator) Option {
	return func(s *Service) {
		s.moderator = m
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store Store, llm LLMClient, scheduler Scheduler, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("conversation: llm client must not be nil")
	}
	if scheduler == nil {
		return nil, errors.New("conversation: scheduler must not be nil")
	}
	s := &Service{
		store:     store,
		llm:       llm,
		scheduler: scheduler,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration after defaults were applied.
func (s *Service) Config() Config {
	return s.cfg
}

// StartSession creates a new active session owned by userID.
func (s *Service) StartSession(ctx context.Context, userID string) (domain.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	session := domain.Session{
		ID:        newUUID(),
		UserID:    userID,
		Status:    domain.StatusActive,
		StartedAt: s.now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return domain.Session{}, newError(ErrorInternal, "session_create_error", err)
	}
	s.logger.InfoContext(ctx, "session started", "session_id", session.ID)
	return session, nil
}

// GetSession returns the session if it exists and belongs to userID.
func (s *Service) GetSession(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	return s.ownedSession(ctx, sessionID, userID)
}

// GetInsight returns the end-of-session artifact for an owned session.
func (s *Service) GetInsight(ctx context.Context, sessionID, userID string) (domain.SessionInsight, error) {
	session, err := s.ownedSession(ctx, sessionID, userID)
	if err != nil {
		return domain.SessionInsight{}, err
	}
	insight, err := s.store.GetInsight(ctx, session.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SessionInsight{}, newError(ErrorNotFound, "insight_not_found", err)
		}
		return domain.SessionInsight{}, newError(ErrorInternal, "insight_lookup_error", err)
	}
	return insight, nil
}

// ownedSession loads a session and hides sessions owned by someone else
// behind NOT_FOUND.
func (s *Service) ownedSession(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_session", nil)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, storeError("session_lookup_error", err)
	}
	if session.UserID != userID {
		return domain.Session{}, newError(ErrorNotFound, "session_not_found", nil)
	}
	return session, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
