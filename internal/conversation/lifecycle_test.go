package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"couple-talk/internal/domain"
)

// seedUserTurns appends n user turns each followed by an assistant reply.
func seedUserTurns(store *memStore, sessionID string, n int) {
	for i := 0; i < n; i++ {
		_, _ = store.AppendTurn(context.Background(), sessionID, domain.RoleUser, fmt.Sprintf("user %d", i))
		_, _ = store.AppendTurn(context.Background(), sessionID, domain.RoleAssistant, fmt.Sprintf("assistant %d", i))
	}
}

func TestEndSession_DiscardBoundary(t *testing.T) {
	cases := []struct {
		userTurns int
		discarded bool
	}{
		{0, true},
		{3, true},
		{4, false},
		{5, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d user turns", tc.userTurns), func(t *testing.T) {
			store := newMemStore()
			store.addSession("s1", "alice")
			seedUserTurns(store, "s1", tc.userTurns)
			svc := newTestService(t, store, &fakeLLM{}, &inlineScheduler{}, testConfig())

			res, err := svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
			require.NoError(t, err)
			require.Equal(t, tc.discarded, res.Discarded)
			_, exists := store.session("s1")
			require.Equal(t, !tc.discarded, exists)
		})
	}
}

func TestScenarioB_ThinSessionIsDeleted(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	seedUserTurns(store, "s1", 2)
	require.NoError(t, store.UpsertSummary(context.Background(), domain.ConversationSummary{SessionID: "s1", Text: "x", SummarizedMessageCount: 1}))
	llm := &fakeLLM{}
	svc := newTestService(t, store, llm, &inlineScheduler{}, testConfig())

	res, err := svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
	require.NoError(t, err)
	require.Equal(t, EndSessionResult{Discarded: true}, res)

	_, exists := store.session("s1")
	require.False(t, exists)
	turns, err := store.ListTurns(context.Background(), "s1")
	require.NoError(t, err)
	require.Empty(t, turns)
	_, hasSummary := store.summary("s1")
	require.False(t, hasSummary)
	require.Zero(t, llm.insightCalls)
	require.Equal(t, domain.StatusDiscarded, store.transitions[0].Status)
}

func TestScenarioC_EndedWithInsight(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	seedUserTurns(store, "s1", 5)
	llm := &fakeLLM{insight: domain.SessionInsight{Title: "Chores", RootCause: "uneven load", Emotions: []string{"frustration"}}}
	svc := newTestService(t, store, llm, &inlineScheduler{}, testConfig())

	res, err := svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice", IsResolved: true})
	require.NoError(t, err)
	require.False(t, res.Discarded)
	require.False(t, res.AnalyticsFailed)
	require.NotNil(t, res.Insight)
	require.Equal(t, "s1", res.Insight.SessionID)

	session, _ := store.session("s1")
	require.Equal(t, domain.StatusEnded, session.Status)
	require.NotNil(t, session.EndedAt)
	require.True(t, *session.IsResolved)

	stored, err := store.GetInsight(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "uneven load", stored.RootCause)
}

func TestScenarioC_TerminalFailureStillEndsSession(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	seedUserTurns(store, "s1", 5)
	llm := &fakeLLM{insightErr: errors.New("anthropic: overloaded")}
	svc := newTestService(t, store, llm, &inlineScheduler{}, testConfig())

	res, err := svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
	require.NoError(t, err)
	require.Equal(t, EndSessionResult{AnalyticsFailed: true}, res)

	session, _ := store.session("s1")
	require.Equal(t, domain.StatusEnded, session.Status)
	require.False(t, *session.IsResolved)
}

func TestEndSession_InsightWriteFailureIsPartialSuccess(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	seedUserTurns(store, "s1", 4)
	store.saveInsight = errors.New("write failed")
	svc := newTestService(t, store, &fakeLLM{}, &inlineScheduler{}, testConfig())

	res, err := svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
	require.NoError(t, err)
	require.True(t, res.AnalyticsFailed)
}

func TestEndSession_Errors(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	seedUserTurns(store, "s1", 4)
	svc := newTestService(t, store, &fakeLLM{}, &inlineScheduler{}, testConfig())

	_, err := svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "bob"})
	expectError(t, err, ErrorNotFound, "session_not_found")

	_, err = svc.EndSession(context.Background(), EndSessionInput{SessionID: "nope", UserID: "alice"})
	expectError(t, err, ErrorNotFound, "session_not_found")

	store.transitionErr = errors.New("conditional check failed")
	_, err = svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
	expectError(t, err, ErrorInternal, "session_transition_error")

	store.transitionErr = nil
	_, err = svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
	require.NoError(t, err)

	_, err = svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
	expectError(t, err, ErrorInvalidInput, "session_not_active")
}

func TestEndSession_DiscardDeleteFailure(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	store.deleteErr = errors.New("batch write failed")
	svc := newTestService(t, store, &fakeLLM{}, &inlineScheduler{}, testConfig())

	_, err := svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
	expectError(t, err, ErrorInternal, "session_delete_error")
}

// lookupSignalStore closes looked after the first session lookup returns.
type lookupSignalStore struct {
	*memStore
	looked chan struct{}
	once   sync.Once
}

func (s *lookupSignalStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.memStore.GetSession(ctx, sessionID)
	s.once.Do(func() { close(s.looked) })
	return session, err
}

func TestEndSession_ClosedWhileWaitingForLock(t *testing.T) {
	store := &lookupSignalStore{memStore: newMemStore(), looked: make(chan struct{})}
	store.addSession("s1", "alice")
	svc := newTestService(t, store, &fakeLLM{}, &inlineScheduler{}, testConfig())

	unlock := svc.locks.Lock("s1")
	errCh := make(chan error, 1)
	go func() {
		_, err := svc.EndSession(context.Background(), EndSessionInput{SessionID: "s1", UserID: "alice"})
		errCh <- err
	}()

	<-store.looked
	require.NoError(t, store.TransitionSession(context.Background(), "s1", domain.SessionTransition{
		Status:  domain.StatusEnded,
		EndedAt: time.Now(),
	}))
	unlock()

	expectError(t, <-errCh, ErrorInvalidInput, "session_not_active")
	_, exists := store.session("s1")
	require.True(t, exists)
	require.Len(t, store.transitions, 1)
}
