package sqlite

import (
	"context"
	"database/sql"

	"github.com/reelvault/reelvault/internal/storage"
	"github.com/reelvault/reelvault/internal/telemetry"
)

// InstrumentedOfflineRepository wraps OfflineRepository with telemetry.
type InstrumentedOfflineRepository struct {
	repo      *OfflineRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedOfflineRepository creates a new instrumented offline content repository.
func NewInstrumentedOfflineRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedOfflineRepository {
	return &InstrumentedOfflineRepository{
		repo:      NewOfflineRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedOfflineRepository) SaveOfflineContent(record *storage.OfflineContent) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "save_offline_content", func(ctx context.Context) error {
		return r.repo.SaveOfflineContent(record)
	})
}

func (r *InstrumentedOfflineRepository) GetOfflineContent(contentID, quality string) (*storage.OfflineContent, error) {
	var result *storage.OfflineContent

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_offline_content", func(ctx context.Context) error {
		result, err = r.repo.GetOfflineContent(contentID, quality)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedOfflineRepository) FindOfflineContent(contentID string) (*storage.OfflineContent, error) {
	var result *storage.OfflineContent

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "find_offline_content", func(ctx context.Context) error {
		result, err = r.repo.FindOfflineContent(contentID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedOfflineRepository) DeleteOfflineContent(contentID, quality string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_offline_content", func(ctx context.Context) error {
		return r.repo.DeleteOfflineContent(contentID, quality)
	})
}
