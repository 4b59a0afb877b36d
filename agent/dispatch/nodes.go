package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/pakin-t/deskflow/agent/contract"
	memoryx "github.com/pakin-t/deskflow/agent/memory"
	statex "github.com/pakin-t/deskflow/agent/state"
	workflowx "github.com/pakin-t/deskflow/agent/workflow"
	retryx "github.com/pakin-t/deskflow/pkg/retryx"
)

var (
	ErrInvalidMessage      = errors.New("message is empty")
	ErrInvalidConversation = errors.New("conversation id is empty")
)

type GraphInput struct {
	ConversationID string
	Text           string
}

type GraphOutput struct {
	Response Response
}

// Response is the outcome of one handled turn.
type Response struct {
	Reply string `json:"reply"`
	Trace Trace  `json:"trace"`
}

// Trace records the path a turn took for diagnosis. Failure causes end up
// here, never in the customer-facing reply.
type Trace struct {
	Path           []string               `json:"path,omitempty"`
	ToolCalls      []ToolCallRecord       `json:"tool_calls,omitempty"`
	WorkflowStatus workflowx.Status       `json:"workflow_status,omitempty"`
	WorkflowLog    []workflowx.StepRecord `json:"workflow_log,omitempty"`
	Cause          string                 `json:"cause,omitempty"`
}

type ToolCallRecord struct {
	Tool  string `json:"tool"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

type graphState struct {
	ConversationID string
	Text           string
	Now            time.Time

	Conversation *statex.Conversation
	MemoryFacts  []memoryx.Fact

	Reply string
	Trace Trace
}

func validateRequest(in GraphInput, nowFn func() time.Time) (*graphState, error) {
	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" {
		return nil, ErrInvalidConversation
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}

	return &graphState{
		ConversationID: conversationID,
		Text:           text,
		Now:            nowFn().UTC(),
	}, nil
}

func (d *Dispatcher) loadConversation(ctx context.Context, in *graphState) (*graphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	conv, err := retryx.DoWithData(ctx, "state.load", func(ctx context.Context) (*statex.Conversation, error) {
		return d.convStore.Load(ctx, in.ConversationID)
	}, d.retry)
	if err != nil {
		if !errors.Is(err, statex.ErrConversationNotFound) {
			return nil, err
		}
		conv = statex.NewConversation(in.ConversationID, d.userID, d.channelType, in.Now)
	}

	in.Conversation = conv
	return in, nil
}

// recallMemory degrades to an empty fact set on any failure; recall is an
// enhancement and must not block the turn.
func (d *Dispatcher) recallMemory(ctx context.Context, in *graphState) (*graphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}
	if d.memory == nil {
		return in, nil
	}

	recallCtx, cancel := context.WithTimeout(ctx, d.recallTimeout)
	defer cancel()

	facts, err := d.memory.Recall(recallCtx, in.Conversation.UserID, in.Text, d.recallLimit)
	if err != nil {
		log.Warn().
			Str("conversation_id", in.ConversationID).
			Err(err).
			Msg("memory recall failed, continuing without facts")
		return in, nil
	}

	in.MemoryFacts = facts
	return in, nil
}

func (d *Dispatcher) saveConversation(ctx context.Context, in *graphState) (*graphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}

	in.Conversation.Append(statex.RoleUser, in.Text, in.Now)
	in.Conversation.Append(statex.RoleAssistant, in.Reply, d.now().UTC())
	if err := in.Conversation.Validate(); err != nil {
		return nil, fmt.Errorf("%w: conversation state: %v", contractx.ErrValidation, err)
	}

	if err := retryx.Do(ctx, "state.save", func(ctx context.Context) error {
		return d.convStore.Save(ctx, in.Conversation)
	}, d.retry); err != nil {
		return nil, err
	}
	return in, nil
}

// checkpointMemory schedules fact extraction off the response path. The
// conversation is snapshotted first so the background task never races the
// next turn.
func (d *Dispatcher) checkpointMemory(in *graphState) (*graphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}
	if d.memory == nil || d.extractor == nil {
		return in, nil
	}

	snapshot := *in.Conversation
	snapshot.Turns = append([]statex.Turn(nil), in.Conversation.Turns...)

	d.background.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), extractionTimeout)
		defer cancel()

		facts, err := d.extractor.Extract(ctx, &snapshot)
		if err != nil {
			log.Error().
				Str("conversation_id", snapshot.ID).
				Err(err).
				Msg("memory extraction failed")
			return
		}
		if err := d.memory.Append(ctx, facts); err != nil {
			log.Error().
				Str("conversation_id", snapshot.ID).
				Err(err).
				Msg("memory append failed")
		}
	})
	return in, nil
}

func finalizeReply(in *graphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	reply := strings.TrimSpace(in.Reply)
	if reply == "" {
		return GraphOutput{}, fmt.Errorf("%w: agent loop produced empty reply", contractx.ErrSchemaViolation)
	}
	return GraphOutput{Response: Response{
		Reply: reply,
		Trace: in.Trace,
	}}, nil
}
