package ledger

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// csvHeader is the fixed column order of the durable ledger file.
var csvHeader = []string{
	"timestamp", "agent_name", "model_name", "input_tokens", "output_tokens",
	"total_tokens", "cost_usd", "duration_ms", "document_id", "success",
}

// CSVSink appends one row per ledger entry to a file, writing the header on
// first write. Cost is fixed to 6 decimal places; timestamps are ISO-8601 UTC;
// success is True/False. Fields containing delimiters or quotes are escaped
// per RFC 4180.
type CSVSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

// NewCSVSink opens (or creates) the ledger file in append mode. The header is
// written only when the file is empty.
func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger csv: %w", err)
	}

	w := csv.NewWriter(f)
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat ledger csv: %w", err)
	}
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write ledger csv header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("write ledger csv header: %w", err)
		}
	}
	return &CSVSink{path: path, f: f, w: w}, nil
}

// Write appends one entry row.
func (s *CSVSink) Write(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(csvRecord(e)); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// FormatCSVLine renders an entry in the interchange format.
func FormatCSVLine(e Entry) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write(csvRecord(e))
	w.Flush()
	return buf.String()
}

// csvRecord renders the entry fields in header order.
func csvRecord(e Entry) []string {
	success := "False"
	if e.Success {
		success = "True"
	}
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.AgentName,
		e.ModelName,
		strconv.Itoa(e.InputTokens),
		strconv.Itoa(e.OutputTokens),
		strconv.Itoa(e.TotalTokens()),
		strconv.FormatFloat(e.CostUSD, 'f', 6, 64),
		strconv.FormatInt(e.DurationMS, 10),
		e.DocumentID,
		success,
	}
}
