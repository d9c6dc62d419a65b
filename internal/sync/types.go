package sync

import (
	"encoding/json"
	"time"
)

// Operation is the kind of local mutation recorded in the sync queue.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Queue item status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// QueueItem is one pending outbound mutation in the sync queue.
type QueueItem struct {
	ID          string     `json:"id"`
	Operation   Operation  `json:"operation"`
	EntityType  EntityType `json:"entityType"`
	EntityID    string     `json:"entityId"`
	Payload     Envelope   `json:"payload"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retryCount"`
	LastError   string     `json:"lastError,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// DeadLetterItem is a queue item that exhausted its retries and now
// requires operator intervention.
type DeadLetterItem struct {
	ID         string     `json:"id"`
	OriginalID string     `json:"originalId"`
	Operation  Operation  `json:"operation"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Payload    Envelope   `json:"payload"`
	Priority   int        `json:"priority"`
	RetryCount int        `json:"retryCount"`
	LastError  string     `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	MovedAt    time.Time  `json:"movedAt"`
}

// ConflictRecord captures a divergence between a local unsynced edit and a
// newer server edit on the same entity. Resolved records are deleted.
type ConflictRecord struct {
	ID              string          `json:"id"`
	EntityType      EntityType      `json:"entityType"`
	EntityID        string          `json:"entityId"`
	LocalPayload    json.RawMessage `json:"localPayload"`
	ServerPayload   json.RawMessage `json:"serverPayload"`
	LocalTimestamp  time.Time       `json:"localTimestamp"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Resolution is an operator decision on a conflict.
type Resolution string

const (
	KeepLocal  Resolution = "keep_local"
	KeepServer Resolution = "keep_server"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == KeepLocal || r == KeepServer
}

// ConnectionStatus is the derived liveness state of a device.
type ConnectionStatus string

const (
	StatusOnline  ConnectionStatus = "online"
	StatusAway    ConnectionStatus = "away"
	StatusOffline ConnectionStatus = "offline"
)

// DeviceRecord tracks a device that has touched the system. Connection
// status is always derived from heartbeat age, never stored.
type DeviceRecord struct {
	DeviceID      string     `json:"deviceId"`
	DeviceName    string     `json:"deviceName"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	FirstSeenAt   time.Time  `json:"firstSeenAt"`
}

// Cursor is the per-entity pull watermark. It only moves forward, and only
// after a pull+merge cycle has fully committed.
type Cursor struct {
	EntityType   EntityType `json:"entityType"`
	LastPulledAt time.Time  `json:"lastPulledAt"`
}

// EntityRow is the engine's view of one locally cached business entity.
type EntityRow struct {
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Synced     bool            `json:"synced"`
}

// QueueStats is the dashboard aggregation over the sync queue and DLQ.
type QueueStats struct {
	Pending             int                `json:"pending"`
	Failed              int                `json:"failed"`
	Synced24h           int                `json:"synced24h"`
	DeadLettered        int                `json:"deadLettered"`
	UnresolvedConflicts int                `json:"unresolvedConflicts"`
	PendingByEntity     map[EntityType]int `json:"pendingByEntity"`
	FailedByEntity      map[EntityType]int `json:"failedByEntity"`
}

// Sync meta keys stored in the sync_meta table.
const (
	MetaAuthToken  = "auth_token"
	MetaDeviceID   = "device_id"
	MetaDeviceName = "device_name"
)
