package storage

import (
	"time"

	"surgeq/internal/runner"
)

// Record is one finished run as kept in history.
type Record struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	URL       string         `json:"url"`
	Stages    []runner.Stage `json:"stages"`
	Report    runner.Report  `json:"report"`
}

// NewRecord captures a report together with the plan that produced it.
func NewRecord(cfg runner.Config, rep *runner.Report) Record {
	return Record{
		ID:        rep.RunID,
		Name:      rep.Name,
		Timestamp: rep.StartedAt,
		URL:       cfg.Request.URL,
		Stages:    cfg.Stages,
		Report:    *rep,
	}
}

// Status is the one-word outcome shown in listings.
func (r Record) Status() string {
	return r.Report.Status()
}
