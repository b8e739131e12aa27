// Package prompt renders the instructions and transcripts shared by the LLM
// integrations.
package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"couple-talk/internal/domain"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ReplySystem is the responder's system prompt. When the window carries a
// rolling summary it is appended as background the model must not quote.
func ReplySystem(window domain.ContextWindow) string {
	parts := []string{
		"Role:",
		"You are a warm, neutral relationship coach helping one partner talk through a conflict.",
		"",
		"Behavior Rules:",
		replyRules(),
	}
	if window.HasSummary() {
		parts = append(parts,
			"",
			fmt.Sprintf("Earlier Conversation (summary of the first %d messages):", window.SummarizedMessageCount),
			normalize(window.SummaryText),
		)
	}
	return strings.Join(parts, "\n")
}

// ReplyMessages is the full chat payload for OpenAI-style APIs: the system
// prompt followed by the recent turns verbatim.
func ReplyMessages(window domain.ContextWindow) []domain.ChatMessage {
	messages := []domain.ChatMessage{{Role: RoleSystem, Content: ReplySystem(window)}}
	return append(messages, TurnMessages(window.RecentTurns)...)
}

// TurnMessages maps stored turns to chat messages, skipping blank ones.
func TurnMessages(turns []domain.Turn) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(turns))
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" || !t.Role.Valid() {
			continue
		}
		out = append(out, domain.ChatMessage{Role: string(t.Role), Content: content})
	}
	return out
}

func replyRules() string {
	return strings.Join([]string{
		"1) Respond only to the latest user message, using earlier turns for context.",
		"2) Reflect feelings before offering suggestions.",
		"3) Never take sides or assign blame to either partner.",
		"4) Keep replies under 120 words and end with at most one open question.",
		"5) If the user describes danger or abuse, encourage contacting local emergency services.",
	}, "\n")
}

// SummaryInstruction is the system prompt for the rolling summarizer.
func SummaryInstruction() string {
	return strings.Join([]string{
		"Summarize the conversation transcript below between a user and a relationship coach.",
		"Keep the facts, the feelings the user expressed, and any commitments or open questions.",
		"Write in third person, in plain prose, in no more than 200 words.",
		"Return only the summary text.",
	}, "\n")
}

// Transcript renders turns as a labelled, oldest-first transcript.
func Transcript(turns []domain.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		content := normalize(t.Content)
		if content == "" {
			continue
		}
		label := "User"
		if t.Role == domain.RoleAssistant {
			label = "Coach"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", t.Seq, label, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SummaryMessages is the chat payload for a rolling summary over turns.
func SummaryMessages(turns []domain.Turn) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: RoleSystem, Content: SummaryInstruction()},
		{Role: RoleUser, Content: "Transcript:\n" + Transcript(turns)},
	}
}

// InsightInstruction is the system prompt for the end-of-session analysis.
func InsightInstruction() string {
	return strings.Join([]string{
		"Analyze the complete coaching session transcript below.",
		"Identify what the conflict was about, its likely root cause and the emotions involved,",
		"and suggest an approach the couple could try next time.",
		"",
		"Output Contract:",
		"Return JSON only with keys title (string), summary (string), root_cause (string),",
		"emotions (array of strings) and suggested_approach (string). Do not add other keys.",
	}, "\n")
}

// InsightMessages is the chat payload for the end-of-session analysis.
func InsightMessages(turns []domain.Turn) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: RoleSystem, Content: InsightInstruction()},
		{Role: RoleUser, Content: "Transcript:\n" + Transcript(turns)},
	}
}

// InsightSchema is the JSON schema matching ParseInsight.
var InsightSchema = json.RawMessage(`{
	"type":"object",
	"additionalProperties":false,
	"properties":{
		"title":{"type":"string"},
		"summary":{"type":"string"},
		"root_cause":{"type":"string"},
		"emotions":{"type":"array","items":{"type":"string"}},
		"suggested_approach":{"type":"string"}
	},
	"required":["title","summary","root_cause","emotions","suggested_approach"]
}`)

// ParseInsight decodes exactly one insight object. Code fences around the
// object are tolerated; unknown keys and trailing data are not.
func ParseInsight(raw string) (domain.SessionInsight, error) {
	var out domain.SessionInsight
	dec := json.NewDecoder(bytes.NewBufferString(stripFence(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return domain.SessionInsight{}, fmt.Errorf("prompt: decode insight: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.SessionInsight{}, errors.New("prompt: decode insight: multiple JSON values")
		}
		return domain.SessionInsight{}, fmt.Errorf("prompt: decode insight trailing data: %w", err)
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Title == "" || out.Summary == "" {
		return domain.SessionInsight{}, errors.New("prompt: insight missing title or summary")
	}
	return out, nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
