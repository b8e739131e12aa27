package conversation

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"couple-talk/internal/domain"
)

type ReplyInput struct {
	SessionID string
	UserID    string
	Message   string
}

type ReplyOutput struct {
	Reply         string
	UserTurn      domain.Turn
	AssistantTurn domain.Turn
}

// Reply records the user's message, asks the responder for an answer over the
// assembled context and records the answer. Only the reply call itself sits
// on the response path; summarization is scheduled in the background.
func (s *Service) Reply(ctx context.Context, in ReplyInput) (ReplyOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ReplyOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLength {
		return ReplyOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	session, err := s.ownedSession(ctx, in.SessionID, in.UserID)
	if err != nil {
		return ReplyOutput{}, err
	}
	if session.Status != domain.StatusActive {
		return ReplyOutput{}, newError(ErrorInvalidInput, "session_not_active", nil)
	}

	if s.moderator != nil {
		flagged, err := s.moderator.Moderate(ctx, message)
		if err != nil {
			return ReplyOutput{}, upstreamError("moderation", err)
		}
		if flagged {
			return ReplyOutput{}, newError(ErrorInvalidInput, "moderation_flagged", nil)
		}
	}

	userTurn, err := s.RecordTurnAndMaybeSummarize(ctx, session.ID, domain.RoleUser, message)
	if err != nil {
		return ReplyOutput{}, err
	}

	window, err := s.assemble(ctx, session.ID)
	if err != nil {
		return ReplyOutput{}, err
	}

	llmCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()
	reply, err := s.llm.Reply(llmCtx, window)
	if err != nil {
		return ReplyOutput{}, upstreamError("reply", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return ReplyOutput{}, newError(ErrorUpstream, "reply_malformed_response", errors.New("empty reply"))
	}

	assistantTurn, err := s.RecordTurnAndMaybeSummarize(ctx, session.ID, domain.RoleAssistant, reply)
	if err != nil {
		return ReplyOutput{}, err
	}
	return ReplyOutput{
		Reply:         reply,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
	}, nil
}
