package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ChangeKind is the kind of change observed on an entity
type ChangeKind string

const (
	ChangePut    ChangeKind = "put"
	ChangeDelete ChangeKind = "delete"
)

// IsValid checks if the change kind is known
func (k ChangeKind) IsValid() bool {
	switch k {
	case ChangePut, ChangeDelete:
		return true
	default:
		return false
	}
}

// Entity is a snapshot of a stored entity as of Revision
type Entity struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Revision  uint64          `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
	UpdatedBy string          `json:"updated_by,omitempty"`

	// KnownAt is a stream position at which this snapshot was known to be
	// current. It is never serialized.
	KnownAt uint64 `json:"-"`
}

// Validate validates the entity data
func (e *Entity) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if len(e.Data) == 0 {
		return errors.New("data is required")
	}
	if !json.Valid(e.Data) {
		return errors.New("data must be valid JSON")
	}
	return nil
}

// Position returns the latest stream position the snapshot is valid at
func (e *Entity) Position() int64 {
	if e.KnownAt > e.Revision {
		return int64(e.KnownAt)
	}
	return int64(e.Revision)
}

// EntityResponse represents the API response format for entity reads
type EntityResponse struct {
	Success bool              `json:"success"`
	Data    map[string]Entity `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ChangesResponse lists the entities changed after Since.
// Known is false when Since predates the change cache, in which case
// callers must assume every entity changed.
type ChangesResponse struct {
	Success  bool     `json:"success"`
	Since    int64    `json:"since"`
	Known    bool     `json:"known"`
	Entities []string `json:"entities"`
	Error    string   `json:"error,omitempty"`
}

// ChangedResponse answers whether a single entity, or any entity, changed
// after Since.
type ChangedResponse struct {
	Success    bool   `json:"success"`
	Entity     string `json:"entity,omitempty"`
	Since      int64  `json:"since"`
	Changed    bool   `json:"changed"`
	LastChange int64  `json:"last_change"`
	Error      string `json:"error,omitempty"`
}
