// Package ledger tracks per-call token usage and USD cost for every agent
// invocation. The ledger is append-only; aggregations read a prefix-consistent
// snapshot and never mutate history.
package ledger

import (
	"log"
	"sync"
)

// ModelPrice is the USD price per single token, split by direction.
type ModelPrice struct {
	InPerToken  float64 `yaml:"in_per_token" json:"in_per_token"`
	OutPerToken float64 `yaml:"out_per_token" json:"out_per_token"`
}

// PricingTable maps model names to token prices. Unknown models fall back to
// the cheapest known model with a logged warning so a misconfigured agent
// never zeroes out its own cost trail.
type PricingTable struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
	logger *log.Logger
}

// DefaultPricing covers the models the agents ship with, in USD per token.
func DefaultPricing() *PricingTable {
	return NewPricingTable(map[string]ModelPrice{
		"gpt-4o":            {InPerToken: 2.50e-06, OutPerToken: 10.00e-06},
		"gpt-4o-mini":       {InPerToken: 0.15e-06, OutPerToken: 0.60e-06},
		"claude-sonnet-4-5": {InPerToken: 3.00e-06, OutPerToken: 15.00e-06},
		"claude-haiku-3-5":  {InPerToken: 0.80e-06, OutPerToken: 4.00e-06},
	})
}

// NewPricingTable builds a table from an explicit price map.
func NewPricingTable(prices map[string]ModelPrice) *PricingTable {
	cp := make(map[string]ModelPrice, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &PricingTable{
		prices: cp,
		logger: log.New(log.Writer(), "[PRICING] ", log.LstdFlags),
	}
}

// Set adds or replaces a model's price.
func (pt *PricingTable) Set(model string, price ModelPrice) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.prices[model] = price
}

// Lookup returns the price for a model, falling back to the cheapest known
// model when the name is unrecognized.
func (pt *PricingTable) Lookup(model string) ModelPrice {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if price, ok := pt.prices[model]; ok {
		return price
	}

	cheapest, name := ModelPrice{}, ""
	for m, price := range pt.prices {
		if name == "" || price.InPerToken+price.OutPerToken < cheapest.InPerToken+cheapest.OutPerToken {
			cheapest, name = price, m
		}
	}
	pt.logger.Printf("⚠️  Unknown model %q, falling back to cheapest (%s)", model, name)
	return cheapest
}

// Cost computes input_tokens*priceIn + output_tokens*priceOut.
func (pt *PricingTable) Cost(model string, inputTokens, outputTokens int) float64 {
	price := pt.Lookup(model)
	return float64(inputTokens)*price.InPerToken + float64(outputTokens)*price.OutPerToken
}
