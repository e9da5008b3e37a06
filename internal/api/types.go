package api

import (
	"breaksync/internal/metrics"
	"breaksync/internal/model"
)

// ClaimResponse reports whether this node is master after the request.
// A claim against a remote master is asynchronous; poll /status.
type ClaimResponse struct {
	Master   bool   `json:"master"`
	MasterID string `json:"master_id,omitempty"`
}

// PeerRequest adds a peer URL ("host", "host:port" or "tcp://host:port").
type PeerRequest struct {
	URL string `json:"url"`
}

// PeerResponse reports whether the configured peer list changed.
type PeerResponse struct {
	Changed bool     `json:"changed"`
	Peers   []string `json:"peers"`
}

// HistoryResponse returns daily statistics and their summary.
type HistoryResponse struct {
	Days    []model.DayStats `json:"days"`
	Summary metrics.Summary  `json:"summary"`
}
