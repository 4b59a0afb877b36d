package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"

	contractx "github.com/pakin-t/deskflow/agent/contract"
	openrouterx "github.com/pakin-t/deskflow/pkg/openrouter"
)

// EmbeddingClient turns text into dense vectors through the embeddings
// endpoint. It satisfies the search engine's embedder contract.
type EmbeddingClient struct {
	client    *openaisdk.Client
	model     string
	dimension int
}

var _ contractx.Embedder = (*EmbeddingClient)(nil)

func NewEmbeddingClient(cfg openrouterx.EmbeddingConfig) (*EmbeddingClient, error) {
	client := openrouterx.NewEmbeddingSDKClient(cfg)
	if client == nil {
		return nil, fmt.Errorf("%w: embedding api key is required", contractx.ErrValidation)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("%w: embedding model is required", contractx.ErrValidation)
	}
	return &EmbeddingClient{
		client:    client,
		model:     model,
		dimension: cfg.Dimension,
	}, nil
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: embedding input is empty", contractx.ErrValidation)
	}

	params := openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfString: openaisdk.String(text)},
		Model: openaisdk.EmbeddingModel(c.model),
	}
	if c.dimension > 0 {
		params.Dimensions = openaisdk.Int(int64(c.dimension))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classifyEmbeddingError(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: embedding response is empty", contractx.ErrSystemic)
	}
	return resp.Data[0].Embedding, nil
}

// classifyEmbeddingError maps provider failures onto the retry taxonomy:
// rate limits, timeouts and 5xx responses are worth retrying, everything
// else is not.
func classifyEmbeddingError(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 408, apiErr.StatusCode == 429, apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: embedding request: %v", contractx.ErrTransient, err)
		default:
			return fmt.Errorf("%w: embedding request: %v", contractx.ErrSystemic, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: embedding request timed out: %v", contractx.ErrTransient, err)
	}
	// Connection-level failures arrive as plain transport errors.
	return fmt.Errorf("%w: embedding request: %v", contractx.ErrTransient, err)
}
