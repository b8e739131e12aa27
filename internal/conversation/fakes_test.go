package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"couple-talk/internal/domain"
)

type memStore struct {
	mu        sync.Mutex
	sessions  map[string]domain.Session
	turns     map[string][]domain.Turn
	summaries map[string]domain.ConversationSummary
	insights  map[string]domain.SessionInsight

	appendErr     error
	listErr       error
	getSummaryErr error
	upsertErr     error
	transitionErr error
	deleteErr     error
	saveInsight   error

	upserts     int
	transitions []domain.SessionTransition
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[string]domain.Session),
		turns:     make(map[string][]domain.Turn),
		summaries: make(map[string]domain.ConversationSummary),
		insights:  make(map[string]domain.SessionInsight),
	}
}

func (m *memStore) addSession(id, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = domain.Session{ID: id, UserID: userID, Status: domain.StatusActive, StartedAt: time.Now()}
}

// seedTurns appends n alternating user/assistant turns.
func (m *memStore) seedTurns(id string, n int) {
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		_, _ = m.AppendTurn(context.Background(), id, role, fmt.Sprintf("turn %d", i+1))
	}
}

func (m *memStore) AppendTurn(_ context.Context, sessionID string, role domain.Role, content string) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return domain.Turn{}, m.appendErr
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return domain.Turn{}, domain.ErrNotFound
	}
	t := domain.Turn{
		SessionID: sessionID,
		Seq:       len(m.turns[sessionID]) + 1,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	m.turns[sessionID] = append(m.turns[sessionID], t)
	return t, nil
}

func (m *memStore) ListTurns(_ context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]domain.Turn, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out, nil
}

func (m *memStore) GetSummary(_ context.Context, sessionID string) (*domain.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getSummaryErr != nil {
		return nil, m.getSummaryErr
	}
	s, ok := m.summaries[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) UpsertSummary(_ context.Context, summary domain.ConversationSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++
	m.summaries[summary.SessionID] = summary
	return nil
}

func (m *memStore) DeleteSummary(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.summaries, sessionID)
	return nil
}

func (m *memStore) CreateSession(_ context.Context, session domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memStore) TransitionSession(_ context.Context, sessionID string, tr domain.SessionTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return m.transitionErr
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	m.transitions = append(m.transitions, tr)
	s.Status = tr.Status
	endedAt := tr.EndedAt
	s.EndedAt = &endedAt
	s.IsResolved = tr.IsResolved
	m.sessions[sessionID] = s
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.sessions, sessionID)
	delete(m.turns, sessionID)
	delete(m.summaries, sessionID)
	delete(m.insights, sessionID)
	return nil
}

func (m *memStore) SaveInsight(_ context.Context, insight domain.SessionInsight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveInsight != nil {
		return m.saveInsight
	}
	m.insights[insight.SessionID] = insight
	return nil
}

func (m *memStore) GetInsight(_ context.Context, sessionID string) (domain.SessionInsight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.insights[sessionID]
	if !ok {
		return domain.SessionInsight{}, domain.ErrNotFound
	}
	return in, nil
}

func (m *memStore) session(id string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *memStore) summary(id string) (domain.ConversationSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[id]
	return s, ok
}

type fakeLLM struct {
	mu sync.Mutex

	reply      string
	replyErr   error
	summaryErr error
	summary    string
	insight    domain.SessionInsight
	insightErr error

	replyWindows    []domain.ContextWindow
	summarizedSizes []int
	insightCalls    int
}

func (f *fakeLLM) Reply(_ context.Context, window domain.ContextWindow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyWindows = append(f.replyWindows, window)
	if f.replyErr != nil {
		return "", f.replyErr
	}
	return f.reply, nil
}

func (f *fakeLLM) SummarizeTurns(_ context.Context, turns []domain.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarizedSizes = append(f.summarizedSizes, len(turns))
	if f.summaryErr != nil {
		return "", f.summaryErr
	}
	if f.summary != "" {
		return f.summary, nil
	}
	return fmt.Sprintf("summary of %d turns", len(turns)), nil
}

func (f *fakeLLM) SummarizeSessionForAnalytics(_ context.Context, _ []domain.Turn) (domain.SessionInsight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insightCalls++
	if f.insightErr != nil {
		return domain.SessionInsight{}, f.insightErr
	}
	return f.insight, nil
}

func (f *fakeLLM) summaryCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.summarizedSizes...)
}

// manualScheduler queues tasks until runAll is called.
type manualScheduler struct {
	mu     sync.Mutex
	tasks  []func(context.Context) error
	names  []string
	err    error
	errors []error
}

func (m *manualScheduler) Submit(_ context.Context, name string, task func(context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, task)
	m.names = append(m.names, name)
	return nil
}

func (m *manualScheduler) scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.names)
}

func (m *manualScheduler) runAll(ctx context.Context) {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	for _, task := range tasks {
		m.errors = append(m.errors, task(ctx))
	}
}

// inlineScheduler runs each task before Submit returns.
type inlineScheduler struct {
	count  int
	errors []error
}

func (s *inlineScheduler) Submit(ctx context.Context, _ string, task func(context.Context) error) error {
	s.count++
	s.errors = append(s.errors, task(ctx))
	return nil
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }
