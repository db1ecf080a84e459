package api

import (
	"context"
	"errors"
	"time"
)

// v0 contains the public contract between dim and the application embedding it.

// Configuration is an opaque, externally supplied description of desired work.
// Its identity is derived from its content, see internal/fingerprint.
type Configuration map[string]any

// Instance is a live resource created from exactly one Configuration.
type Instance any

// Application is implemented by the embedding application.
type Application interface {
	// DesiredConfigurations returns the full desired list. Only the leader calls it.
	DesiredConfigurations(ctx context.Context) ([]Configuration, error)
	CreateInstance(ctx context.Context, cfg Configuration) (Instance, error)
}

// Prober is optionally implemented by an Application to health check instances.
type Prober interface {
	ProbeInstance(ctx context.Context, inst Instance) error
}

// Disconnector is optionally implemented by an Application to tear instances down.
type Disconnector interface {
	DisconnectInstance(ctx context.Context, inst Instance) error
}

var (
	ErrCreate   = errors.New("create instance")
	ErrHealth   = errors.New("instance unhealthy")
	ErrTeardown = errors.New("disconnect instance")
)

type LeaderState string

const (
	LeaderUnknown   LeaderState = "unknown"
	LeaderFollowing LeaderState = "following"
	LeaderLeading   LeaderState = "leading"
)

type ApplyBatchRequest struct {
	Configurations []Configuration `json:"configurations"`
}

type ApplyBatchResponse struct {
	Created int `json:"created"`
	Removed int `json:"removed"`
	Managed int `json:"managed"`
}

type HeartbeatResponse struct {
	Node    string    `json:"node"`
	Service string    `json:"service"`
	Running bool      `json:"running"`
	Time    time.Time `json:"time"`
	Version string    `json:"version"`
}

type StatusResponse struct {
	Node           string      `json:"node"`
	Service        string      `json:"service"`
	Running        bool        `json:"running"`
	Leader         string      `json:"leader"`
	State          LeaderState `json:"state"`
	Configurations int         `json:"configurations"`
	Instances      []string    `json:"instances"`
}
