package api

import "time"

// TemplateEntry is one fleet member in the template registry: the remote
// repository name and the path of its canonical source inside the template
// monorepo. Entries are immutable once loaded.
type TemplateEntry struct {
	Name       string `json:"name" yaml:"name"`
	SourcePath string `json:"source_path" yaml:"source_path"`
}

// Stage names a point in the per-entry sync progression. A failed entry
// records the stage it could not reach.
type Stage string

const (
	StagePending      Stage = "pending"
	StageProvisioned  Stage = "provisioned"
	StageMaterialized Stage = "materialized"
	StageAnnotated    Stage = "annotated"
	StagePublished    Stage = "published"
)

// SyncResult is the terminal outcome for one template entry. Stage is
// StagePublished on success, otherwise the stage that failed. Error carries
// the cause for failed entries.
type SyncResult struct {
	Name       string    `json:"name"`
	Stage      Stage     `json:"stage"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Success reports whether the entry completed the full progression.
func (r SyncResult) Success() bool {
	return r.Error == "" && r.Stage == StagePublished
}

// Trigger labels recorded on a run.
const (
	TriggerManual  = "manual"
	TriggerAPI     = "api"
	TriggerWebhook = "webhook"
)

// FleetSyncReport aggregates one run over the registry: one SyncResult per
// entry, in registry order.
type FleetSyncReport struct {
	RunID      string       `json:"run_id"`
	Trigger    string       `json:"trigger"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []SyncResult `json:"results"`
}

// Failed counts entries that did not reach StagePublished.
func (r *FleetSyncReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Success() {
			n++
		}
	}
	return n
}

// RunRecord is the journal's summary row for one past run.
type RunRecord struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Failed     int       `json:"failed"`
}

// APIResponse is a standard wrapper for API responses.
type APIResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
