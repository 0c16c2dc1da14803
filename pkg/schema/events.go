package schema

// Event type constants for the run log.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunPartial   = "run_partial_failure"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventUnitStarted      = "unit_started"
	EventUnitSucceeded    = "unit_succeeded"
	EventUnitFailed       = "unit_failed"
	EventUnitSkipped      = "unit_skipped"
	EventUnitRetrying     = "unit_retrying"
	EventAlertEnriched    = "alert_enriched"
	EventEnrichmentFailed = "enrichment_failed"
)
