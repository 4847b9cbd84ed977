package genai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gemcall/gemcall/pkg/api"
)

// inlineDataTokenCost is the flat charge per inline-data part; media cost
// is dominated by fixed per-image token pricing, not byte count.
const inlineDataTokenCost = 258

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimateTokens approximates the prompt's input token count for limiter
// reservations. Text goes through a BPE encoding when available and falls
// back to the ~4-characters-per-token heuristic; exact accounting comes
// from the response's usage metadata at commit time.
func estimateTokens(contents []api.Content, system *api.Content) int {
	total := 0
	for _, c := range contents {
		total += estimateContent(&c)
	}
	if system != nil {
		total += estimateContent(system)
	}
	return total
}

func estimateContent(c *api.Content) int {
	total := 0
	for _, p := range c.Parts {
		switch {
		case p.Text != "":
			total += estimateText(p.Text)
		case p.InlineData != nil:
			total += inlineDataTokenCost
		case p.FileData != nil:
			total += inlineDataTokenCost
		}
	}
	return total
}

func estimateText(text string) int {
	if enc := textEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

func textEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		// Best effort; offline environments fall back to the heuristic.
		encoding, _ = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	})
	return encoding
}
