package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	capabilityx "github.com/pakin-t/deskflow/agent/capability"
	contractx "github.com/pakin-t/deskflow/agent/contract"
	retryx "github.com/pakin-t/deskflow/pkg/retryx"
)

const recentTurnWindow = 10

// runAgentLoop drives the bounded inference/tool loop. The model either
// answers directly or requests tool calls; results are fed back until it
// produces a final answer or the iteration ceiling is hit.
func (d *Dispatcher) runAgentLoop(ctx context.Context, in *graphState) (*graphState, error) {
	if in == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: graph conversation is nil", contractx.ErrValidation)
	}

	msgs, err := d.initialMessages(in)
	if err != nil {
		return nil, err
	}

	for i := 0; i < d.maxToolIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := d.toolModel.Generate(ctx, msgs)
		if err != nil {
			return nil, fmt.Errorf("%w: responder invoke: %v", contractx.ErrModelInvoke, err)
		}
		if msg == nil {
			return nil, fmt.Errorf("%w: responder returned nil message", contractx.ErrSchemaViolation)
		}

		if len(msg.ToolCalls) == 0 {
			reply := strings.TrimSpace(msg.Content)
			if reply == "" {
				return nil, fmt.Errorf("%w: responder returned empty message", contractx.ErrSchemaViolation)
			}
			in.Reply = reply
			return in, nil
		}

		msgs = append(msgs, msg)
		for _, call := range msg.ToolCalls {
			result := d.executeToolCall(ctx, in, call)
			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(`{"error":"tool result encoding failed"}`)
			}
			msgs = append(msgs, schema.ToolMessage(string(payload), call.ID))
		}
	}

	// Fail closed: never loop unbounded on a model that keeps asking for
	// tools.
	log.Warn().
		Str("conversation_id", in.ConversationID).
		Int("iterations", d.maxToolIterations).
		Msg("tool iteration ceiling reached")
	in.Reply = ceilingReply
	in.Trace.Path = append(in.Trace.Path, "iteration_ceiling")
	in.Trace.Cause = fmt.Sprintf("tool iteration ceiling of %d reached", d.maxToolIterations)
	return in, nil
}

func (d *Dispatcher) initialMessages(in *graphState) ([]*schema.Message, error) {
	statements := make([]string, 0, len(in.MemoryFacts))
	for _, f := range in.MemoryFacts {
		statements = append(statements, f.Statement)
	}

	turns := in.Conversation.RecentTurns(recentTurnWindow)
	recent := make([]map[string]string, 0, len(turns))
	for _, t := range turns {
		recent = append(recent, map[string]string{
			"role": string(t.Role),
			"text": t.Text,
		})
	}

	payload := map[string]any{
		"user_message": in.Text,
		"memory_facts": statements,
		"recent_turns": recent,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal turn payload: %v", contractx.ErrValidation, err)
	}

	return []*schema.Message{
		schema.SystemMessage(d.systemPrompt),
		schema.UserMessage(string(input)),
	}, nil
}

// executeToolCall runs one requested tool and renders the outcome as a tool
// result for the model. Failures become structured errors in the result, not
// fabricated data.
func (d *Dispatcher) executeToolCall(ctx context.Context, in *graphState, call schema.ToolCall) contractx.ToolResult {
	name := strings.TrimSpace(call.Function.Name)
	result := contractx.ToolResult{Tool: name}
	record := ToolCallRecord{Tool: name}
	defer func() {
		in.Trace.ToolCalls = append(in.Trace.ToolCalls, record)
	}()

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			record.Error = "malformed tool arguments"
			result.Error = fmt.Sprintf("malformed arguments for tool=%s: %v", name, err)
			return result
		}
	}

	if name == capabilityx.RefundToolName {
		record.Kind = "workflow"
		in.Trace.Path = append(in.Trace.Path, "workflow.refund")
		return d.executeRefund(ctx, in, args, &record)
	}

	kind, tool, err := d.registry.Resolve(name)
	if err != nil {
		record.Error = err.Error()
		result.Error = fmt.Sprintf("unknown tool %q", name)
		return result
	}
	record.Kind = string(kind)
	in.Trace.Path = append(in.Trace.Path, "capability."+string(kind))

	if err := tool.ValidateArgs(args); err != nil {
		record.Error = err.Error()
		result.Error = err.Error()
		return result
	}

	out, err := retryx.DoWithData(ctx, "tool."+name, func(ctx context.Context) (any, error) {
		return tool.Invoke(ctx, args)
	}, d.retry)
	if err != nil {
		log.Error().
			Str("conversation_id", in.ConversationID).
			Str("tool", name).
			Err(err).
			Msg("tool invocation failed")
		record.Error = err.Error()
		result.Error = fmt.Sprintf("tool %s failed: %v", name, err)
		return result
	}

	result.Result = out
	return result
}

// executeRefund routes the reserved refund tool through the workflow engine.
// The engine's verdict is surfaced verbatim; the model cannot override it.
func (d *Dispatcher) executeRefund(ctx context.Context, in *graphState, args map[string]any, record *ToolCallRecord) contractx.ToolResult {
	result := contractx.ToolResult{Tool: capabilityx.RefundToolName}

	orderID, _ := args["order_id"].(string)
	run, err := d.refunds.RunRefund(ctx, orderID)
	if run != nil {
		in.Trace.WorkflowStatus = run.Status
		in.Trace.WorkflowLog = run.Log
	}
	if err != nil {
		log.Error().
			Str("conversation_id", in.ConversationID).
			Str("order_id", orderID).
			Err(err).
			Msg("refund workflow failed")
		record.Error = err.Error()
		result.Error = fmt.Sprintf("refund workflow could not complete: %v", err)
		return result
	}

	summary := map[string]any{
		"order_id": run.OrderID,
		"status":   run.Status,
		"log":      run.Log,
	}
	if stepName, reason, failed := run.FailedStep(); failed {
		summary["failed_step"] = stepName
		summary["reason"] = reason
	}
	result.Result = summary
	return result
}

func refundToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: capabilityx.RefundToolName,
		Desc: "Request a refund for an order. Runs the gated refund pipeline and returns its verdict with a step-by-step log.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"order_id": {Type: schema.String, Desc: "Order id to refund", Required: true},
		}),
	}
}
