// Package model defines the analysis pipeline's wire and storage types.
package model

import (
	"blastpit/internal/sandbox"
)

// Status tracks an analysis through the pipeline.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Verdict is the outcome of a finished analysis.
type Verdict string

const (
	VerdictClean      Verdict = "clean"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

// Task represents the Kafka payload for analysis tasks.
type Task struct {
	AnalysisID   string `json:"analysis_id"`
	SampleBucket string `json:"sample_bucket"`
	SampleKey    string `json:"sample_key"`
	PolicyPreset string `json:"policy_preset"`
	SubmittedAt  int64  `json:"submitted_at"`
}

// Report is the published outcome of one analysis.
type Report struct {
	AnalysisID   string         `json:"analysis_id"`
	SampleDigest string         `json:"sample_digest"`
	Verdict      Verdict        `json:"verdict"`
	RiskScore    int            `json:"risk_score"`
	Result       sandbox.Result `json:"result"`
	CompletedAt  int64          `json:"completed_at"`
}

// Record is the status entry kept per analysis while it is of operational
// interest. Error carries the coded failure message for failed analyses.
type Record struct {
	AnalysisID   string  `json:"analysis_id"`
	Status       Status  `json:"status"`
	Verdict      Verdict `json:"verdict,omitempty"`
	RiskScore    int     `json:"risk_score"`
	SampleDigest string  `json:"sample_digest,omitempty"`
	SampleKey    string  `json:"sample_key,omitempty"`
	PolicyPreset string  `json:"policy_preset,omitempty"`
	Error        string  `json:"error,omitempty"`
	SubmittedAt  int64   `json:"submitted_at"`
	StartedAt    int64   `json:"started_at,omitempty"`
	CompletedAt  int64   `json:"completed_at,omitempty"`
}

// AuditEvent is one entry of the recent security-event feed.
type AuditEvent struct {
	InstanceID string `json:"instance_id"`
	EventType  string `json:"event_type"`
	Severity   string `json:"severity"`
	Details    string `json:"details"`
	Timestamp  int64  `json:"timestamp"`
}

// SampleInfo describes one stored sample object.
type SampleInfo struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
}
