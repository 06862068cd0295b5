package model

import (
	"time"

	"github.com/google/uuid"
)

// IngestionStage is one state of the per-document ingestion state machine.
// Transitions are sequential; FAILED is terminal and records the stage that
// failed.
type IngestionStage string

const (
	StageReceived      IngestionStage = "RECEIVED"
	StageChunked       IngestionStage = "CHUNKED"
	StageExtracted     IngestionStage = "EXTRACTED"
	StageGraphWritten  IngestionStage = "GRAPH_WRITTEN"
	StageVectorWritten IngestionStage = "VECTOR_WRITTEN"
	StageComplete      IngestionStage = "COMPLETE"
	StageFailed        IngestionStage = "FAILED"
)

// IngestionRun is the persisted record of one document's trip through the
// pipeline, used for status inspection and post-mortems.
type IngestionRun struct {
	ID          int64           `json:"id"`
	DocumentRID uuid.UUID       `json:"document_rid"`
	Stage       IngestionStage  `json:"stage"`
	FailedStage *IngestionStage `json:"failed_stage,omitempty"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
