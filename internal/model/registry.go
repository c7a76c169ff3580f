package model

import "time"

// ServiceRegistryEntry describes one calling service known to the Interaction
// Tracker. Auto-created on first unseen service_name.
type ServiceRegistryEntry struct {
	ServiceName     string    `json:"service_name"`
	DisplayName     string    `json:"display_name"`
	Description     string    `json:"description"`
	ExpectedContext []string  `json:"expected_context"`
	RegisteredAt    time.Time `json:"registered_at"`
}
