package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/responder.txt
	responderRaw string

	//go:embed template/extractor.txt
	extractorRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Responder string
	Extractor string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// This is safe to call concurrently; the embed is compile-time, and trimming is cheap.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Responder: strings.TrimSpace(responderRaw),
		Extractor: strings.TrimSpace(extractorRaw),
	}
}
