package history

import (
	"unicode/utf8"

	"github.com/RichardoC/padchat/internal/models"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter estimates the input-token cost of one turn.
type TokenCounter interface {
	Count(t models.Turn) int
}

// Fixed per-turn overhead for role markers and separators.
const turnOverhead = 4

// HeuristicCounter is a deterministic estimate of roughly four runes per token.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(t models.Turn) int {
	return (utf8.RuneCountInString(t.Content)+3)/4 + turnOverhead
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *TiktokenCounter) Count(t models.Turn) int {
	return len(c.enc.Encode(t.Content, nil, nil)) + turnOverhead
}

// NewCounter returns a tiktoken counter for encoding, falling back to the
// heuristic when the encoding cannot be loaded (it is fetched on first use).
func NewCounter(encoding string, logger *zap.Logger) TokenCounter {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using heuristic token counts",
			zap.String("encoding", encoding),
			zap.Error(err))
		return HeuristicCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

// Stats summarizes a Window call.
type Stats struct {
	Total            int
	Budget           int
	Included         int
	Skipped          int
	OverBudgetNewest bool
}

// Window returns the newest suffix of turns whose estimated cost fits budget.
// The newest turn is always kept, even alone over budget. A budget <= 0
// disables trimming.
func Window(turns []models.Turn, budget int, c TokenCounter) ([]models.Turn, Stats) {
	if len(turns) == 0 {
		return turns, Stats{Budget: budget}
	}
	if budget <= 0 {
		total := 0
		for _, t := range turns {
			total += c.Count(t)
		}
		return turns, Stats{Total: total, Budget: budget, Included: len(turns)}
	}

	newest := len(turns) - 1
	total := c.Count(turns[newest])
	start := newest
	for i := newest - 1; i >= 0; i-- {
		cost := c.Count(turns[i])
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}

	return turns[start:], Stats{
		Total:            total,
		Budget:           budget,
		Included:         len(turns) - start,
		Skipped:          start,
		OverBudgetNewest: c.Count(turns[newest]) > budget,
	}
}
