package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"couple-talk/internal/domain"
)

func makeTurns(n int) []domain.Turn {
	turns := make([]domain.Turn, n)
	for i := range turns {
		turns[i] = domain.Turn{SessionID: "s1", Seq: i + 1, Role: domain.RoleUser, Content: fmt.Sprintf("turn %d", i+1)}
	}
	return turns
}

func TestBuildWindow_NoSummaryKeepsLastRecentTurns(t *testing.T) {
	w := buildWindow("s1", nil, makeTurns(15), 10, PolicyOverlap)
	require.False(t, w.HasSummary())
	require.Len(t, w.RecentTurns, 10)
	require.Equal(t, 6, w.RecentTurns[0].Seq)
	require.Equal(t, 15, w.TotalTurns)
}

func TestBuildWindow_ShortHistory(t *testing.T) {
	w := buildWindow("s1", nil, makeTurns(3), 10, PolicyOverlap)
	require.Len(t, w.RecentTurns, 3)

	w = buildWindow("s1", nil, nil, 10, PolicyOverlap)
	require.Empty(t, w.RecentTurns)
}

func TestBuildWindow_OverlapKeepsLastRecentTurnsEvenWhenSummarized(t *testing.T) {
	summary := &domain.ConversationSummary{Text: "they argued about chores", SummarizedMessageCount: 18}
	w := buildWindow("s1", summary, makeTurns(25), 10, PolicyOverlap)
	require.True(t, w.HasSummary())
	require.Equal(t, 18, w.SummarizedMessageCount)
	require.Len(t, w.RecentTurns, 10)
	require.Equal(t, 16, w.RecentTurns[0].Seq)
}

func TestBuildWindow_OverlapWidensForLaggingSummary(t *testing.T) {
	summary := &domain.ConversationSummary{Text: "older", SummarizedMessageCount: 10}
	w := buildWindow("s1", summary, makeTurns(29), 10, PolicyOverlap)
	require.Len(t, w.RecentTurns, 19)
	require.Equal(t, 11, w.RecentTurns[0].Seq)
}

func TestBuildWindow_PartitionSendsOnlyUnsummarized(t *testing.T) {
	summary := &domain.ConversationSummary{Text: "older", SummarizedMessageCount: 18}
	w := buildWindow("s1", summary, makeTurns(25), 10, PolicyPartition)
	require.Len(t, w.RecentTurns, 7)
	require.Equal(t, 19, w.RecentTurns[0].Seq)
}

func TestBuildWindow_ClampsSummaryBeyondHistory(t *testing.T) {
	summary := &domain.ConversationSummary{Text: "stale", SummarizedMessageCount: 40}
	w := buildWindow("s1", summary, makeTurns(12), 10, PolicyPartition)
	require.Equal(t, 12, w.SummarizedMessageCount)
	require.Empty(t, w.RecentTurns)

	w = buildWindow("s1", summary, makeTurns(12), 10, PolicyOverlap)
	require.Len(t, w.RecentTurns, 10)
}

func TestBuildWindow_BlankSummaryIgnored(t *testing.T) {
	summary := &domain.ConversationSummary{Text: "  ", SummarizedMessageCount: 5}
	w := buildWindow("s1", summary, makeTurns(12), 10, PolicyPartition)
	require.False(t, w.HasSummary())
	require.Len(t, w.RecentTurns, 10)
}

func TestBuildWindow_CoverageInvariant(t *testing.T) {
	for _, policy := range []ContextPolicy{PolicyOverlap, PolicyPartition} {
		for total := 11; total <= 60; total++ {
			for covered := 1; covered <= total-10; covered++ {
				summary := &domain.ConversationSummary{Text: "s", SummarizedMessageCount: covered}
				w := buildWindow("s1", summary, makeTurns(total), 10, policy)
				require.NotEmpty(t, w.RecentTurns)
				first := w.RecentTurns[0].Seq
				last := w.RecentTurns[len(w.RecentTurns)-1].Seq
				require.LessOrEqual(t, first, covered+1, "policy=%s total=%d covered=%d", policy, total, covered)
				require.Equal(t, total, last)
			}
		}
	}
}

func TestAssembleContext_ReadsStore(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	store.seedTurns("s1", 25)
	require.NoError(t, store.UpsertSummary(context.Background(), domain.ConversationSummary{SessionID: "s1", Text: "earlier", SummarizedMessageCount: 15}))
	svc := newTestService(t, store, &fakeLLM{}, &inlineScheduler{}, testConfig())

	w, err := svc.AssembleContext(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "earlier", w.SummaryText)
	require.Len(t, w.RecentTurns, 10)
	require.Equal(t, "turn 25", w.RecentTurns[9].Content)
}

func TestAssembleContext_MissingSessionIsNotFound(t *testing.T) {
	svc := newTestService(t, newMemStore(), &fakeLLM{}, &inlineScheduler{}, testConfig())
	_, err := svc.AssembleContext(context.Background(), "nope")
	expectError(t, err, ErrorNotFound, "session_not_found")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.AssembleContext(context.Background(), "  ")
	expectError(t, err, ErrorInvalidInput, "missing_session")
}

func TestAssembleContext_StoreErrors(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	store.getSummaryErr = errors.New("read failed")
	svc := newTestService(t, store, &fakeLLM{}, &inlineScheduler{}, testConfig())
	_, err := svc.AssembleContext(context.Background(), "s1")
	expectError(t, err, ErrorInternal, "summary_read_error")

	store.getSummaryErr = nil
	store.listErr = errors.New("query failed")
	_, err = svc.AssembleContext(context.Background(), "s1")
	expectError(t, err, ErrorInternal, "turns_read_error")
}

func TestAssembleContext_ConcurrentWithSummarizer(t *testing.T) {
	store := newMemStore()
	store.addSession("s1", "alice")
	store.seedTurns("s1", 40)
	svc := newTestService(t, store, &fakeLLM{}, &inlineScheduler{}, testConfig())

	var wg sync.WaitGroup
	windows := make([]domain.ContextWindow, 2)
	errs := make([]error, 2)
	wg.Add(3)
	go func() {
		defer wg.Done()
		windows[0], errs[0] = svc.AssembleContext(context.Background(), "s1")
	}()
	go func() {
		defer wg.Done()
		_, _ = svc.Summarize(context.Background(), "s1")
	}()
	go func() {
		defer wg.Done()
		windows[1], errs[1] = svc.AssembleContext(context.Background(), "s1")
	}()
	wg.Wait()

	for i, w := range windows {
		require.NoError(t, errs[i])
		require.Len(t, w.RecentTurns, 10)
		require.Equal(t, 40, w.RecentTurns[9].Seq)
		if w.HasSummary() {
			require.Equal(t, 30, w.SummarizedMessageCount)
			require.Equal(t, "summary of 30 turns", w.SummaryText)
		} else {
			require.Zero(t, w.SummarizedMessageCount)
		}
	}
}
