package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	contractx "github.com/pakin-t/deskflow/agent/contract"
	statex "github.com/pakin-t/deskflow/agent/state"
)

// Extractor asks the extraction model to summarize durable preference/fact
// statements out of a finished conversation.
type Extractor struct {
	runner compose.Runnable[map[string]any, extractorLLMOutput]
	now    func() time.Time
}

type extractorLLMOutput struct {
	Facts []string `json:"facts"`
}

func NewExtractor(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string) (*Extractor, error) {
	runner, err := compileExtractorGraph(ctx, chatModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: compile extractor graph: %v", contractx.ErrModelInvoke, err)
	}
	return &Extractor{
		runner: runner,
		now:    time.Now,
	}, nil
}

func (e *Extractor) Extract(ctx context.Context, conv *statex.Conversation) ([]Fact, error) {
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation is nil", contractx.ErrValidation)
	}
	if len(conv.Turns) == 0 {
		return nil, nil
	}

	transcript := make([]map[string]string, 0, len(conv.Turns))
	for _, turn := range conv.Turns {
		transcript = append(transcript, map[string]string{
			"role": string(turn.Role),
			"text": turn.Text,
		})
	}
	payload := map[string]any{
		"user_id":    conv.UserID,
		"transcript": transcript,
	}
	inputBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal extractor payload: %v", contractx.ErrValidation, err)
	}

	out, err := e.runner.Invoke(ctx, map[string]any{
		"input": string(inputBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: extractor invoke: %v", contractx.ErrModelInvoke, err)
	}

	now := e.now().UTC()
	facts := make([]Fact, 0, len(out.Facts))
	for _, statement := range out.Facts {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		facts = append(facts, Fact{
			ID:          uuid.NewString(),
			UserID:      conv.UserID,
			Statement:   statement,
			ExtractedAt: now,
			SessionID:   conv.ID,
		})
	}
	return facts, nil
}

func compileExtractorGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
) (compose.Runnable[map[string]any, extractorLLMOutput], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{input}"),
	)

	parser := schema.NewMessageJSONParser[extractorLLMOutput](&schema.MessageJSONParseConfig{
		ParseFrom: schema.MessageParseFromContent,
	})

	graph := compose.NewGraph[map[string]any, extractorLLMOutput]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add extractor prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add extractor model node: %w", err)
	}
	if err := graph.AddLambdaNode("parse_json", compose.MessageParser(parser)); err != nil {
		return nil, fmt.Errorf("add extractor parser node: %w", err)
	}

	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add extractor edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add extractor edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", "parse_json"); err != nil {
		return nil, fmt.Errorf("add extractor edge model->parse: %w", err)
	}
	if err := graph.AddEdge("parse_json", compose.END); err != nil {
		return nil, fmt.Errorf("add extractor edge parse->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("memory.extractor_graph"))
	if err != nil {
		return nil, fmt.Errorf("compile extractor graph: %w", err)
	}
	return runner, nil
}
