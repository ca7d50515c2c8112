package credits

import "math"

// Pricing maps model names to credit rates. Rates are credits per 1k tokens.
// A job freezes its rate and the table version at creation, so later pricing
// changes never retroactively reprice in-flight work.
type Pricing struct {
	Version       string
	Rates         map[string]float64
	DefaultRate   float64
	Default       string // model used when a request names none
	TokensPerPage int    // estimation heuristic for reservations
}

// DefaultPricing is the built-in table used when none is configured.
func DefaultPricing() Pricing {
	return Pricing{
		Version: "2025-01",
		Rates: map[string]float64{
			"gpt-4o-mini": 1.0,
			"gpt-4o":      5.0,
		},
		DefaultRate:   2.0,
		Default:       "gpt-4o-mini",
		TokensPerPage: 500,
	}
}

// DefaultModel returns the model to use when a request does not name one.
func (p Pricing) DefaultModel() string {
	if p.Default != "" {
		return p.Default
	}
	return "gpt-4o-mini"
}

// Rate returns the credit rate for a model.
func (p Pricing) Rate(model string) float64 {
	if r, ok := p.Rates[model]; ok {
		return r
	}
	return p.DefaultRate
}

// Estimate returns the reservation amount for a document: a conservative
// tokens-per-page projection priced at the model's rate, rounded up to whole
// credits with a minimum of 1.
func (p Pricing) Estimate(pageCount int, model string) float64 {
	tokensPerPage := p.TokensPerPage
	if tokensPerPage <= 0 {
		tokensPerPage = 500
	}
	est := Cost(pageCount*tokensPerPage, p.Rate(model))
	return math.Max(1, math.Ceil(est))
}

// Cost converts token usage to credits at the given rate (credits per 1k
// tokens), rounded to two decimals.
func Cost(tokens int, rate float64) float64 {
	return math.Round(float64(tokens)/1000.0*rate*100) / 100
}
