package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// HubPublisher publishes JSON-encoded payloads to a local Hub.
type HubPublisher struct {
	hub *Hub
}

// NewHubPublisher creates a publisher for hub.
func NewHubPublisher(hub *Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// Publish encodes payload and hands it to the hub. Events without
// subscribers are dropped silently.
func (p *HubPublisher) Publish(_ context.Context, jobID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", jobID, err)
	}
	p.hub.Publish(jobID, data)
	return nil
}
