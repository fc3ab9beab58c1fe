package api

import "time"

// HealthResponse is served by the peer daemon at /v1/health.
type HealthResponse struct {
	SchemaVersion    string    `json:"schema_version"`
	GeneratedAt      time.Time `json:"generated_at"`
	Status           string    `json:"status"`
	Mode             string    `json:"mode"`
	Model            string    `json:"model"`
	Engine           string    `json:"engine"`
	MemoryUsageBytes *uint64   `json:"memory_usage_bytes,omitempty"`
	ServerID         string    `json:"server_id"`
	Connections      int       `json:"connections"`
}
