package embedding

import (
	"context"
	"strings"
)

// Provider is the embedding capability this tool wraps.
type Provider interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

type Embedding struct {
	provider Provider
	model    string
}

type EmbedVec struct {
	DocID string
	Vec   []float32
}

func NewEmbedding(provider Provider, model string) *Embedding {
	return &Embedding{provider: provider, model: model}
}

func (e *Embedding) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.provider.Embed(ctx, e.model, texts)
}

// ChunkText splits text into roughly maxChars-sized pieces on paragraph
// boundaries, falling back to hard splits for oversized paragraphs.
func ChunkText(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 1500
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > maxChars {
			chunks = append(chunks, para[:maxChars])
			para = para[maxChars:]
		}
		if current.Len()+len(para) > maxChars && current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
