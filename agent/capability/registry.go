// Package capability holds the closed set of handler kinds (product, order,
// billing), each exposing a fixed table of typed tools. The registry is
// built once at process start and read-only afterward.
package capability

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

// Handler is an immutable capability descriptor.
type Handler struct {
	Kind  Kind
	Tools []Tool
}

type toolRef struct {
	kind Kind
	tool Tool
}

type Registry struct {
	handlers map[Kind]Handler
	byTool   map[string]toolRef
	infos    []*schema.ToolInfo
}

// NewRegistry validates and indexes the handlers. Errors here are fatal at
// startup and never reachable at request time.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	if len(handlers) == 0 {
		return nil, fmt.Errorf("%w: at least one capability handler is required", contractx.ErrValidation)
	}

	r := &Registry{
		handlers: make(map[Kind]Handler, len(handlers)),
		byTool:   make(map[string]toolRef),
	}

	for _, h := range handlers {
		switch h.Kind {
		case KindProduct, KindOrder, KindBilling:
		default:
			return nil, fmt.Errorf("%w: unknown handler kind %q", contractx.ErrValidation, h.Kind)
		}
		if _, dup := r.handlers[h.Kind]; dup {
			return nil, fmt.Errorf("%w: duplicate handler kind %q", contractx.ErrValidation, h.Kind)
		}
		if len(h.Tools) == 0 {
			return nil, fmt.Errorf("%w: handler %q has no tools", contractx.ErrValidation, h.Kind)
		}

		for _, t := range h.Tools {
			name := strings.TrimSpace(t.Name)
			if name == "" {
				return nil, fmt.Errorf("%w: handler %q has a tool with no name", contractx.ErrValidation, h.Kind)
			}
			if name == RefundToolName {
				return nil, fmt.Errorf("%w: tool name %q is reserved for the refund workflow", contractx.ErrValidation, name)
			}
			if t.Invoke == nil {
				return nil, fmt.Errorf("%w: tool %q has no invocation function", contractx.ErrValidation, name)
			}
			if _, dup := r.byTool[name]; dup {
				return nil, fmt.Errorf("%w: duplicate tool name %q", contractx.ErrValidation, name)
			}
			r.byTool[name] = toolRef{kind: h.Kind, tool: t}
			r.infos = append(r.infos, t.Info())
		}
		r.handlers[h.Kind] = h
	}

	return r, nil
}

// Resolve maps a tool name to its handler kind and descriptor.
func (r *Registry) Resolve(toolName string) (Kind, Tool, error) {
	ref, ok := r.byTool[strings.TrimSpace(toolName)]
	if !ok {
		return "", Tool{}, fmt.Errorf("%w: tool=%q", contractx.ErrCapabilityNotFound, toolName)
	}
	return ref.kind, ref.tool, nil
}

// ToolInfos returns the schema descriptors of every registered tool, for
// binding to the inference model.
func (r *Registry) ToolInfos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

// Kinds returns the registered handler kinds.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
