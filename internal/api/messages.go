// Package api defines the JSON messages of the live reading stream.
package api

import (
	"github.com/skobkin/igpu-exporter/internal/gpu"
	"github.com/skobkin/igpu-exporter/internal/procscan"
	"github.com/skobkin/igpu-exporter/internal/telemetry"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int64           `json:"interval_ms"`
	GPUs       []gpu.Info      `json:"gpus"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int64, gpus []gpu.Info, features map[string]bool) HelloMessage {
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		GPUs:       gpus,
		Features:   features,
	}
}

// StatsMessage wraps a reading for transport.
type StatsMessage struct {
	Type string `json:"type"`
	telemetry.Reading
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(reading telemetry.Reading) StatsMessage {
	return StatsMessage{
		Type:    "stats",
		Reading: reading,
	}
}

// ProcsMessage wraps a process snapshot for transport.
type ProcsMessage struct {
	Type string `json:"type"`
	procscan.Snapshot
}

// NewProcsMessage constructs a procs payload.
func NewProcsMessage(snapshot procscan.Snapshot) ProcsMessage {
	return ProcsMessage{
		Type:     "procs",
		Snapshot: snapshot,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
