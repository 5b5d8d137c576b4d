package queue

import (
	"github.com/banteng-io/banteng/bull"
)

// DataField maps a JSON path inside a job's payload to a display column.
// Paths are carried as opaque strings for frontends; nothing here evaluates
// them.
type DataField struct {
	ColumnName string `json:"columnName"`
	JSONPath   string `json:"jsonPath"`
}

// Config is the persisted description of a monitored queue.
type Config struct {
	ID           string      `json:"id"`
	Slug         string      `json:"slug"`
	FriendlyName string      `json:"friendlyName"`
	QueueName    string      `json:"queueName"`
	ConnectionID string      `json:"connectionId"`
	DataFields   []DataField `json:"dataFields,omitempty"`
}

// Queue is a live registry entry: the persisted config plus the engine built
// from it. The engine is owned by the registry and closed when the entry is
// removed or replaced.
type Queue struct {
	Config Config
	Engine bull.Engine
}
