// Package dispatch is the per-turn entry point: it routes customer messages
// through memory recall, the capability tool loop, and the refund workflow,
// then persists the conversation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	capabilityx "github.com/pakin-t/deskflow/agent/capability"
	contractx "github.com/pakin-t/deskflow/agent/contract"
	memoryx "github.com/pakin-t/deskflow/agent/memory"
	statex "github.com/pakin-t/deskflow/agent/state"
	workflowx "github.com/pakin-t/deskflow/agent/workflow"
	retryx "github.com/pakin-t/deskflow/pkg/retryx"
)

const (
	// DefaultMaxToolIterations bounds the inference/tool loop per turn.
	DefaultMaxToolIterations = 6

	defaultRecallLimit   = 5
	defaultRecallTimeout = 2 * time.Second
	extractionTimeout    = 30 * time.Second

	ceilingReply = "I wasn't able to complete that request. Please try again, or ask to speak with a human agent."
	errorReply   = "Our systems are temporarily unavailable. Please try again in a moment."
)

type Config struct {
	UserID      string
	ChannelType string

	MaxToolIterations int
	RecallLimit       int
	RecallTimeout     time.Duration
	Retry             retryx.Options
}

type Dispatcher struct {
	convStore statex.Store
	registry  *capabilityx.Registry
	refunds   *workflowx.Engine
	toolModel einomodel.ToolCallingChatModel
	memory    *memoryx.Store
	extractor *memoryx.Extractor

	graphRunner compose.Runnable[GraphInput, GraphOutput]

	systemPrompt      string
	userID            string
	channelType       string
	maxToolIterations int
	recallLimit       int
	recallTimeout     time.Duration
	retry             retryx.Options

	background conc.WaitGroup
	now        func() time.Time
}

// New wires the dispatcher and binds the registry's tools, plus the reserved
// refund tool, to the chat model. Memory is optional; pass nil to disable it.
func New(
	convStore statex.Store,
	registry *capabilityx.Registry,
	refunds *workflowx.Engine,
	chatModel einomodel.ToolCallingChatModel,
	memory *memoryx.Store,
	extractor *memoryx.Extractor,
	systemPrompt string,
	cfg Config,
) (*Dispatcher, error) {
	if convStore == nil {
		return nil, errors.New("conversation store is required")
	}
	if registry == nil {
		return nil, errors.New("capability registry is required")
	}
	if refunds == nil {
		return nil, errors.New("refund workflow engine is required")
	}
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, errors.New("system prompt is required")
	}

	infos := append(registry.ToolInfos(), refundToolInfo())
	toolModel, err := chatModel.WithTools(infos)
	if err != nil {
		return nil, fmt.Errorf("%w: bind dispatcher tools: %v", contractx.ErrModelInvoke, err)
	}

	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		userID = "default-customer"
	}
	channelType := strings.TrimSpace(cfg.ChannelType)
	if channelType == "" {
		channelType = "chat"
	}
	maxToolIterations := cfg.MaxToolIterations
	if maxToolIterations <= 0 {
		maxToolIterations = DefaultMaxToolIterations
	}
	recallLimit := cfg.RecallLimit
	if recallLimit <= 0 {
		recallLimit = defaultRecallLimit
	}
	recallTimeout := cfg.RecallTimeout
	if recallTimeout <= 0 {
		recallTimeout = defaultRecallTimeout
	}

	d := &Dispatcher{
		convStore:         convStore,
		registry:          registry,
		refunds:           refunds,
		toolModel:         toolModel,
		memory:            memory,
		extractor:         extractor,
		systemPrompt:      strings.TrimSpace(systemPrompt),
		userID:            userID,
		channelType:       channelType,
		maxToolIterations: maxToolIterations,
		recallLimit:       recallLimit,
		recallTimeout:     recallTimeout,
		retry:             cfg.Retry,
		now:               time.Now,
	}

	graphRunner, err := d.compileHandleTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	d.graphRunner = graphRunner

	return d, nil
}

// HandleTurn processes one customer message and returns the reply with its
// trace. Invalid input is returned as an error; everything else degrades to
// a safe fallback reply with the cause recorded in the trace.
func (d *Dispatcher) HandleTurn(ctx context.Context, conversationID, text string) (Response, error) {
	out, err := d.graphRunner.Invoke(ctx, GraphInput{
		ConversationID: conversationID,
		Text:           text,
	})
	if err != nil {
		if isCallerError(err) {
			return Response{}, err
		}
		log.Error().
			Str("conversation_id", conversationID).
			Err(err).
			Msg("turn failed")
		return Response{
			Reply: errorReply,
			Trace: Trace{
				Path:  []string{"turn_error"},
				Cause: err.Error(),
			},
		}, nil
	}
	return out.Response, nil
}

// RunRefundWorkflow exposes the refund pipeline directly, bypassing the
// model. Used by operational surfaces.
func (d *Dispatcher) RunRefundWorkflow(ctx context.Context, orderID string) (*workflowx.Run, error) {
	return d.refunds.RunRefund(ctx, orderID)
}

// Close waits for background memory extraction to finish.
func (d *Dispatcher) Close() {
	d.background.Wait()
}

func isCallerError(err error) bool {
	return errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrInvalidConversation) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
