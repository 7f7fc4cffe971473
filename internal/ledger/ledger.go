package ledger

import (
	"log"
	"sync"
	"time"
)

// Entry is one append-only accounting row: one agent call, its token usage,
// computed cost and outcome.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	AgentName    string    `json:"agent_name"`
	ModelName    string    `json:"model_name"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   int64     `json:"duration_ms"`
	DocumentID   string    `json:"document_id,omitempty"`
	Success      bool      `json:"success"`
}

// TotalTokens returns input plus output tokens.
func (e Entry) TotalTokens() int { return e.InputTokens + e.OutputTokens }

// Sink receives each entry as it is appended, for durable storage.
// Sink failures are logged and never fail the recording caller.
type Sink interface {
	Write(Entry) error
}

// Ledger is the in-process cost ledger. Appends are serialized; readers get
// copies so aggregation never observes a partial write.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	pricing *PricingTable
	sinks   []Sink
	logger  *log.Logger

	// Running counters updated only on append.
	totalCost   float64
	totalTokens int
	uniqueDocs  map[string]struct{}
}

// New creates a ledger with the given pricing table and optional sinks.
func New(pricing *PricingTable, sinks ...Sink) *Ledger {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Ledger{
		pricing:    pricing,
		sinks:      sinks,
		logger:     log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
		uniqueDocs: make(map[string]struct{}),
	}
}

// Pricing exposes the pricing table.
func (l *Ledger) Pricing() *PricingTable { return l.pricing }

// Record computes the cost for a call and appends the entry. Negative token
// counts are clamped to zero. The entry is returned so callers can stamp the
// cost onto the decision proof.
func (l *Ledger) Record(agentName, modelName string, inputTokens, outputTokens int, duration time.Duration, documentID string, success bool) Entry {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	entry := Entry{
		Timestamp:    time.Now().UTC(),
		AgentName:    agentName,
		ModelName:    modelName,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      l.pricing.Cost(modelName, inputTokens, outputTokens),
		DurationMS:   duration.Milliseconds(),
		DocumentID:   documentID,
		Success:      success,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.totalCost += entry.CostUSD
	l.totalTokens += entry.TotalTokens()
	if documentID != "" {
		l.uniqueDocs[documentID] = struct{}{}
	}
	l.mu.Unlock()

	for _, sink := range l.sinks {
		if err := sink.Write(entry); err != nil {
			l.logger.Printf("⚠️  Sink write failed (entry kept in memory): %v", err)
		}
	}
	return entry
}

// Entries returns a prefix-consistent copy of all entries.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Totals is the ledger-wide aggregate.
type Totals struct {
	CostUSD     float64 `json:"cost_usd"`
	Tokens      int     `json:"tokens"`
	Operations  int     `json:"operations"`
	UniqueDocs  int     `json:"unique_docs"`
	AvgPerDoc   float64 `json:"avg_cost_per_doc"`
	MeetsTarget bool    `json:"meets_target"`
}

// Aggregate returns grand totals. The meets-target flag compares the average
// cost per unique document against targetPerDoc; an empty ledger meets any
// non-negative target.
func (l *Ledger) Aggregate(targetPerDoc float64) Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()

	docs := len(l.uniqueDocs)
	denom := docs
	if denom == 0 {
		denom = 1
	}
	avg := l.totalCost / float64(denom)
	return Totals{
		CostUSD:     l.totalCost,
		Tokens:      l.totalTokens,
		Operations:  len(l.entries),
		UniqueDocs:  docs,
		AvgPerDoc:   avg,
		MeetsTarget: avg <= targetPerDoc,
	}
}

// MeetsTarget reports whether total_cost / max(unique_docs, 1) is within the
// per-document target.
func (l *Ledger) MeetsTarget(targetPerDoc float64) bool {
	return l.Aggregate(targetPerDoc).MeetsTarget
}

// AgentBreakdown is the per-agent subtotal.
type AgentBreakdown struct {
	AgentName  string  `json:"agent_name"`
	CostUSD    float64 `json:"cost_usd"`
	Tokens     int     `json:"tokens"`
	Operations int     `json:"operations"`
	Failures   int     `json:"failures"`
}

// PerAgent aggregates entries by agent name.
func (l *Ledger) PerAgent() map[string]AgentBreakdown {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]AgentBreakdown)
	for _, e := range l.entries {
		b := out[e.AgentName]
		b.AgentName = e.AgentName
		b.CostUSD += e.CostUSD
		b.Tokens += e.TotalTokens()
		b.Operations++
		if !e.Success {
			b.Failures++
		}
		out[e.AgentName] = b
	}
	return out
}

// Window aggregates entries whose timestamps fall in [from, to).
func (l *Ledger) Window(from, to time.Time) Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var t Totals
	docs := make(map[string]struct{})
	for _, e := range l.entries {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		t.CostUSD += e.CostUSD
		t.Tokens += e.TotalTokens()
		t.Operations++
		if e.DocumentID != "" {
			docs[e.DocumentID] = struct{}{}
		}
	}
	t.UniqueDocs = len(docs)
	denom := t.UniqueDocs
	if denom == 0 {
		denom = 1
	}
	t.AvgPerDoc = t.CostUSD / float64(denom)
	return t
}
