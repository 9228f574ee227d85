package llm

import "strings"

// Price is USD per one million tokens.
type Price struct {
	Input  float64
	Output float64
}

// pricing is matched by longest model-name prefix after stripping any
// "provider/" qualifier.
var pricing = map[string]Price{
	"gpt-4o":            {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
	"gpt-4.1":           {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":      {Input: 0.40, Output: 1.60},
	"gpt-4.1-nano":      {Input: 0.10, Output: 0.40},
	"o3-mini":           {Input: 1.10, Output: 4.40},
	"claude-3-5-sonnet": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4.00},
	"claude-sonnet-4":   {Input: 3.00, Output: 15.00},
	"gemini-1.5-flash":  {Input: 0.075, Output: 0.30},
	"gemini-1.5-pro":    {Input: 1.25, Output: 5.00},
	"gemini-2.0-flash":  {Input: 0.10, Output: 0.40},
}

// PriceFor returns the price of model and whether it is known.
func PriceFor(model string) (Price, bool) {
	name := strings.ToLower(model)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	best, bestLen := Price{}, -1
	for prefix, p := range pricing {
		if strings.HasPrefix(name, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Cost computes the USD cost of usage on model. Unknown models cost zero.
func Cost(model string, u Usage) float64 {
	p, ok := PriceFor(model)
	if !ok {
		return 0
	}
	return (float64(u.InputTokens)*p.Input + float64(u.OutputTokens)*p.Output) / 1_000_000
}
