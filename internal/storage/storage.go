package storage

import (
	"context"
	"errors"

	"eventScope/internal/model"
)

// Storage defines a sink for log records.
type Storage interface {
	PutLogBatch(ctx context.Context, logs []model.LogRecord) error
}

// Multi writes every batch to each sink in order and joins their failures.
type Multi []Storage

func (m Multi) PutLogBatch(ctx context.Context, logs []model.LogRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.PutLogBatch(ctx, logs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
