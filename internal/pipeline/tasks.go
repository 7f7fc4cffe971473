package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/buildguard/backend/internal/agents"
	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/faults"
	"github.com/buildguard/backend/internal/ledger"
	"github.com/buildguard/backend/internal/taskqueue"
)

// Task kinds for the monitoring workloads that ride on the queue.
const (
	TaskKindScanSite  = "scan.site"
	TaskKindScanBatch = "scan.batch"
	TaskKindReport    = "report.generate"
)

// Report formats accepted by report.generate.
const (
	ReportFormatJSON = "json"
	ReportFormatText = "text"
)

// ScanScheduler runs the timed batch workloads behind the task queue: single
// site scans through the Watchman agent, batch fan-out over many sites, and
// compliance report generation. Scans land on the violations queue, reports
// on the reports queue.
type ScanScheduler struct {
	adapter  *agents.Adapter
	watchman agents.Body
	queue    *taskqueue.Manager
	ledger   *ledger.Ledger
	emitter  events.Emitter
	logger   *log.Logger
}

// NewScanScheduler wires the scheduler over the shared queue and registers
// the scan and report handlers.
func NewScanScheduler(adapter *agents.Adapter, watchman agents.Body, queue *taskqueue.Manager, l *ledger.Ledger, emitter events.Emitter) *ScanScheduler {
	if emitter == nil {
		emitter = events.Discard
	}
	s := &ScanScheduler{
		adapter:  adapter,
		watchman: watchman,
		queue:    queue,
		ledger:   l,
		emitter:  emitter,
		logger:   log.New(log.Writer(), "[SCANS] ", log.LstdFlags),
	}
	queue.RegisterHandler(TaskKindScanSite, s.handleScanSite, taskqueue.DefaultRetryPolicy())
	queue.RegisterHandler(TaskKindScanBatch, s.handleScanBatch, taskqueue.RetryPolicy{MaxAttempts: 1})
	queue.RegisterHandler(TaskKindReport, s.handleReport, taskqueue.DefaultRetryPolicy())
	return s
}

// ScanSite enqueues one site scan. Frames carries the detector payload for
// the Watchman body (violations, camera metadata); nil is a clean sweep.
func (s *ScanScheduler) ScanSite(siteID string, frames map[string]interface{}) (string, error) {
	payload := map[string]interface{}{"site_id": siteID}
	for k, v := range frames {
		payload[k] = v
	}
	return s.queue.Submit(taskqueue.QueueViolations, TaskKindScanSite, payload, nil)
}

// ScanBatch enqueues one batch task that fans out a scan per site.
func (s *ScanScheduler) ScanBatch(siteIDs []string) (string, error) {
	ids := make([]interface{}, len(siteIDs))
	for i, id := range siteIDs {
		ids[i] = id
	}
	return s.queue.Submit(taskqueue.QueueViolations, TaskKindScanBatch,
		map[string]interface{}{"site_ids": ids}, nil)
}

// GenerateReport enqueues a compliance report for one site.
func (s *ScanScheduler) GenerateReport(siteID string, scanResult interface{}, format string) (string, error) {
	return s.queue.Submit(taskqueue.QueueReports, TaskKindReport, map[string]interface{}{
		"site_id":     siteID,
		"scan_result": scanResult,
		"format":      format,
	}, nil)
}

// handleScanSite runs the Watchman agent against one site and emits a
// violation.detected event when the sweep fails.
func (s *ScanScheduler) handleScanSite(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	siteID, _ := task.Payload["site_id"].(string)
	if siteID == "" {
		return nil, faults.Validation("scan task has no site ID")
	}

	projectID, _ := task.Payload["project_id"].(string)
	if projectID == "" {
		projectID = siteID
	}

	input := map[string]interface{}{"site_id": siteID}
	if v, ok := task.Payload["violations"]; ok {
		input["violations"] = v
	}

	res, err := s.adapter.Invoke(ctx, s.watchman, agents.Request{
		ProjectID:  projectID,
		DocumentID: siteID,
		Input:      input,
	})
	if err != nil {
		return nil, err
	}

	violations, _ := res.Payload["violations"].([]interface{})
	if len(violations) > 0 {
		s.emitter.Emit(events.TypeViolationDetected, "scans", siteID, map[string]interface{}{
			"site_id":    siteID,
			"violations": violations,
			"decision":   res.Decision,
			"proof_hash": res.Proof.ProofHash,
		})
		s.logger.Printf("⚠️ %d violations on site %s", len(violations), siteID)
	}

	return map[string]interface{}{
		"site_id":    siteID,
		"decision":   res.Decision,
		"violations": len(violations),
		"proof_hash": res.Proof.ProofHash,
		"cost_usd":   res.CostUSD,
	}, nil
}

// handleScanBatch fans one scan.site task out per site. The batch itself
// never retries; each member scan carries its own retry policy.
func (s *ScanScheduler) handleScanBatch(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	siteIDs, _ := task.Payload["site_ids"].([]interface{})
	if len(siteIDs) == 0 {
		return nil, faults.Validation("batch scan has no site IDs")
	}

	tasks := make(map[string]string, len(siteIDs))
	for _, raw := range siteIDs {
		siteID, _ := raw.(string)
		if siteID == "" {
			return tasks, faults.Validation("batch scan contains an empty site ID")
		}
		id, err := s.queue.Submit(taskqueue.QueueViolations, TaskKindScanSite,
			map[string]interface{}{"site_id": siteID}, nil)
		if err != nil {
			return tasks, fmt.Errorf("fan out scan for %s: %w", siteID, err)
		}
		tasks[siteID] = id
	}

	s.logger.Printf("batch fanned out %d site scans", len(tasks))
	return map[string]interface{}{"submitted": len(tasks), "tasks": tasks}, nil
}

// handleReport renders a compliance report combining the scan result with
// the ledger's cost aggregates.
func (s *ScanScheduler) handleReport(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	siteID, _ := task.Payload["site_id"].(string)
	if siteID == "" {
		return nil, faults.Validation("report task has no site ID")
	}

	format, _ := task.Payload["format"].(string)
	if format == "" {
		format = ReportFormatJSON
	}

	totals := s.ledger.Aggregate(DefaultBudgetPerItemUSD)
	report := map[string]interface{}{
		"site_id":      siteID,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"scan_result":  task.Payload["scan_result"],
		"cost_totals":  totals,
		"per_agent":    s.ledger.PerAgent(),
	}

	switch format {
	case ReportFormatJSON:
		body, err := json.Marshal(report)
		if err != nil {
			return nil, faults.Internal("marshal report: %v", err)
		}
		return map[string]interface{}{"format": format, "report": string(body)}, nil
	case ReportFormatText:
		body := fmt.Sprintf("Compliance report for %s\ngenerated: %s\noperations: %d\ntotal cost: $%.6f\nmeets target: %v\n",
			siteID, report["generated_at"], totals.Operations, totals.CostUSD, totals.MeetsTarget)
		return map[string]interface{}{"format": format, "report": body}, nil
	default:
		return nil, faults.Validation("unknown report format %q", format)
	}
}
