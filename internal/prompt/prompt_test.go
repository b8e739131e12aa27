package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"couple-talk/internal/domain"
)

func TestReplySystem_SummaryBlock(t *testing.T) {
	plain := ReplySystem(domain.ContextWindow{})
	require.NotContains(t, plain, "Earlier Conversation")

	withSummary := ReplySystem(domain.ContextWindow{SummaryText: "They  argued\nabout chores.", SummarizedMessageCount: 12})
	require.Contains(t, withSummary, "Earlier Conversation (summary of the first 12 messages):")
	require.True(t, strings.HasSuffix(withSummary, "They argued about chores."))
}

func TestReplyMessages_OrderAndFiltering(t *testing.T) {
	window := domain.ContextWindow{
		RecentTurns: []domain.Turn{
			{Seq: 1, Role: domain.RoleUser, Content: "hi"},
			{Seq: 2, Role: domain.RoleAssistant, Content: "  "},
			{Seq: 3, Role: "tool", Content: "ignored"},
			{Seq: 4, Role: domain.RoleAssistant, Content: "hello"},
		},
	}
	msgs := ReplyMessages(window)
	require.Len(t, msgs, 3)
	require.Equal(t, RoleSystem, msgs[0].Role)
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "hi"}, msgs[1])
	require.Equal(t, domain.ChatMessage{Role: "assistant", Content: "hello"}, msgs[2])
}

func TestTranscript(t *testing.T) {
	got := Transcript([]domain.Turn{
		{Seq: 1, Role: domain.RoleUser, Content: "We fought\n again."},
		{Seq: 2, Role: domain.RoleAssistant, Content: "That sounds hard."},
		{Seq: 3, Role: domain.RoleUser, Content: ""},
	})
	require.Equal(t, "[1] User: We fought again.\n[2] Coach: That sounds hard.", got)
	require.Empty(t, Transcript(nil))
}

func TestSummaryAndInsightMessages(t *testing.T) {
	turns := []domain.Turn{{Seq: 1, Role: domain.RoleUser, Content: "hi"}}

	summary := SummaryMessages(turns)
	require.Len(t, summary, 2)
	require.Equal(t, SummaryInstruction(), summary[0].Content)
	require.Equal(t, "Transcript:\n[1] User: hi", summary[1].Content)

	insight := InsightMessages(turns)
	require.Contains(t, insight[0].Content, "suggested_approach")
	require.Equal(t, summary[1], insight[1])
}

func TestParseInsight(t *testing.T) {
	raw := `{"title":" Chores ","summary":"Split of housework.","root_cause":"uneven load","emotions":["frustration","fatigue"],"suggested_approach":"weekly planning"}`
	got, err := ParseInsight(raw)
	require.NoError(t, err)
	require.Equal(t, "Chores", got.Title)
	require.Equal(t, []string{"frustration", "fatigue"}, got.Emotions)
	require.Equal(t, "weekly planning", got.SuggestedApproach)

	fenced, err := ParseInsight("```json\n" + raw + "\n```")
	require.NoError(t, err)
	require.Equal(t, got, fenced)
}

func TestParseInsight_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      `hello`,
		"unknown field": `{"title":"a","summary":"b","mood":"x"}`,
		"trailing":      `{"title":"a","summary":"b"} {}`,
		"garbage tail":  `{"title":"a","summary":"b"} x`,
		"missing title": `{"title":"","summary":"b"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInsight(raw)
			require.Error(t, err)
		})
	}
}
