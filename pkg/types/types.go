// Package types contains public API types for chainhammer.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// TransactionType represents the kind of transaction the sender floods with.
type TransactionType string

const (
	TxTypeStorageSet  TransactionType = "storage-set"  // set(uint256) on the storage contract
	TxTypeEthTransfer TransactionType = "eth-transfer" // 1 wei value transfer
)

// RunStatus represents the state of a sender run driven through the API.
type RunStatus string

const (
	StatusIdle         RunStatus = "idle"
	StatusInitializing RunStatus = "initializing" // accounts, nonces and funding
	StatusSending      RunStatus = "sending"
	StatusVerifying    RunStatus = "verifying" // receipt sample and block range
	StatusSettling     RunStatus = "settling"  // waiting for empty blocks
	StatusCompleted    RunStatus = "completed"
	StatusError        RunStatus = "error"
)

// TpsSample is one throughput observation made when new blocks appear.
type TpsSample struct {
	Block          uint64    `json:"block"`
	NewTxs         int       `json:"newTxs"`
	BlockInterval  int64     `json:"blockInterval"` // seconds between the two observed block timestamps
	TPSCurrent     float64   `json:"tpsCurrent"`
	TotalTxs       int       `json:"totalTxs"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	TPSAverage     float64   `json:"tpsAverage"`
	PeakTPSAverage float64   `json:"peakTpsAverage"`
	Iteration      int       `json:"iteration"`
	Timestamp      time.Time `json:"timestamp"`
}

// ExperimentSummary is one stored experiment.
type ExperimentSummary struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	RPCAddress       string    `json:"rpcAddress"`
	NodeVersion      string    `json:"nodeVersion"`
	BlockFirst       uint64    `json:"blockFirst"`
	BlockLast        uint64    `json:"blockLast"`
	NumTxs           int       `json:"numTxs"`
	SampleSuccessful bool      `json:"sampleSuccessful"`
	PeakTPSAverage   float64   `json:"peakTpsAverage"`
	FinalTPSAverage  float64   `json:"finalTpsAverage"`
}

// ExperimentDetail is a stored experiment with its TPS series.
type ExperimentDetail struct {
	ExperimentSummary
	Samples []TpsSample `json:"samples"`
}

// RunRequest is the API request to start a sender run.
type RunRequest struct {
	Count     int    `json:"count"`
	Strategy  string `json:"strategy"`
	Workers   int    `json:"workers,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// RunState reports the sender run driven through the API.
type RunState struct {
	Status    RunStatus `json:"status"`
	Count     int       `json:"count,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ExperimentResponse is the GET /v1/experiment payload: the raw experiment
// record plus the state of any API-driven run.
type ExperimentResponse struct {
	Record map[string]any `json:"record"`
	Run    RunState       `json:"run"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status      string `json:"status"`
	RPCAddress  string `json:"rpcAddress"`
	NodeVersion string `json:"nodeVersion,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Error       string `json:"error,omitempty"`
}
