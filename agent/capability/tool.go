package capability

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

// Kind is the closed set of capability handlers. Dispatch matches on the
// kind, never on reflection.
type Kind string

const (
	KindProduct Kind = "product"
	KindOrder   Kind = "order"
	KindBilling Kind = "billing"
)

// RefundToolName is the reserved tool signal for the refund workflow. The
// registry rejects any tool registered under this name: refund issuance is
// reachable only through the workflow engine.
const RefundToolName = "billing.request_refund"

type InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is one callable operation of a handler. Descriptors are immutable
// after registration.
type Tool struct {
	Name       string
	Desc       string
	Params     map[string]*schema.ParameterInfo
	Idempotent bool
	Invoke     InvokeFunc
}

// Info renders the tool for binding to the inference model.
func (t Tool) Info() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        t.Name,
		Desc:        t.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(t.Params),
	}
}

// ValidateArgs checks args against the tool's parameter schema: required
// params must be present, present params must have the declared type, and
// unknown params are rejected.
func (t Tool) ValidateArgs(args map[string]any) error {
	for name := range args {
		if _, ok := t.Params[name]; !ok {
			return fmt.Errorf("%w: tool=%s has no parameter %q", contractx.ErrInvalidToolArgument, t.Name, name)
		}
	}
	for name, param := range t.Params {
		val, present := args[name]
		if !present {
			if param.Required {
				return fmt.Errorf("%w: tool=%s requires parameter %q", contractx.ErrInvalidToolArgument, t.Name, name)
			}
			continue
		}
		if err := checkType(param.Type, val); err != nil {
			return fmt.Errorf("%w: tool=%s parameter %q: %v", contractx.ErrInvalidToolArgument, t.Name, name, err)
		}
	}
	return nil
}

func checkType(dataType schema.DataType, val any) error {
	switch dataType {
	case schema.String:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
	case schema.Number:
		switch val.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("expected number, got %T", val)
		}
	case schema.Integer:
		switch v := val.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("expected integer, got %v", v)
			}
		default:
			return fmt.Errorf("expected integer, got %T", val)
		}
	case schema.Boolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", val)
		}
	}
	return nil
}

func stringArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

func floatArg(args map[string]any, name string) float64 {
	switch v := args[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func intArg(args map[string]any, name string) int {
	switch v := args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
