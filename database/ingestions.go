package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	"github.com/knowgraph/knowgraph/sql"
)

// IngestionsDBHandlerFunctions defines the interface for Ingestions database operations.
type IngestionsDBHandlerFunctions interface {
	InsertIngestion(run *model.IngestionRun) error
	UpdateIngestionStage(run *model.IngestionRun) error
	SelectIngestionByDocument(documentRID uuid.UUID) (*model.IngestionRun, error)
}

// IngestionsDBHandler handles ingestion-run database operations
type IngestionsDBHandler struct {
	db *helper.Database
}

// NewIngestionsDBHandler creates a new ingestions database handler.
// If force is true, it will reload the SQL functions even if they already exist.
func NewIngestionsDBHandler(db *helper.Database, force bool) (*IngestionsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	ingestionsDbHandler := &IngestionsDBHandler{
		db: db,
	}

	err := sql.LoadIngestionsSql(ingestionsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load ingestions sql", err)
	}

	err = ingestionsDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized IngestionsDBHandler")

	return ingestionsDbHandler, nil
}

// CreateTable creates the 'ingestions' table in the database.
// If the table already exists, it does not create it again.
func (h *IngestionsDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_ingestions();`)
	if err != nil {
		log.Panicf("error initializing ingestions table: %#v", err)
	}

	h.db.Logger.Info("Checked/created table ingestions")

	return nil
}

// InsertIngestion records the start of an ingestion run
func (h *IngestionsDBHandler) InsertIngestion(run *model.IngestionRun) error {
	row := h.db.Instance.QueryRow(
		`SELECT * FROM insert_ingestion($1, $2)`,
		run.DocumentRID,
		run.Stage,
	)

	err := row.Scan(
		&run.ID,
		&run.DocumentRID,
		&run.Stage,
		&run.FailedStage,
		&run.Error,
		&run.StartedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return helper.NewError("scan", err)
	}

	return nil
}

// UpdateIngestionStage advances an ingestion run to a new stage. On failure
// the run carries the failed stage and error text alongside the FAILED stage.
func (h *IngestionsDBHandler) UpdateIngestionStage(run *model.IngestionRun) error {
	row := h.db.Instance.QueryRow(
		`SELECT * FROM update_ingestion_stage($1, $2, $3, $4)`,
		run.ID,
		run.Stage,
		run.FailedStage,
		run.Error,
	)

	err := row.Scan(
		&run.ID,
		&run.DocumentRID,
		&run.Stage,
		&run.FailedStage,
		&run.Error,
		&run.StartedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return helper.NewError("scan", err)
	}

	return nil
}

// SelectIngestionByDocument retrieves the most recent ingestion run for a document
func (h *IngestionsDBHandler) SelectIngestionByDocument(documentRID uuid.UUID) (*model.IngestionRun, error) {
	run := &model.IngestionRun{}
	row := h.db.Instance.QueryRow(
		`SELECT * FROM select_ingestion_by_document($1)`,
		documentRID,
	)

	err := row.Scan(
		&run.ID,
		&run.DocumentRID,
		&run.Stage,
		&run.FailedStage,
		&run.Error,
		&run.StartedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}

	return run, nil
}
