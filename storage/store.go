package storage

import (
	"context"
	"errors"

	"github.com/luma/gep/measurement"
)

var (
	ErrUnknownMeasurement = errors.New("Measurement is not defined")
	ErrInvalidDocument    = errors.New("Document is not valid JSON")
	ErrClosed             = errors.New("Store is closed")
)

// Store holds the measurement definitions a publisher serves and the latest
// sample of each.
type Store interface {
	// Define adds or replaces a measurement definition.
	Define(ctx context.Context, key measurement.Key, description string) error

	// MeasurementKeys lists every defined measurement, ordered by source then ID.
	MeasurementKeys(ctx context.Context) ([]measurement.Key, error)

	// Metadata is the JSON metadata document sent in response to MetadataRefresh.
	Metadata(ctx context.Context) ([]byte, error)

	// Publish records samples of defined measurements and announces them to
	// every update listener.
	Publish(ctx context.Context, samples []measurement.Sample) error

	Latest(ctx context.Context, key measurement.Key) (measurement.Sample, error)

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}

// Update is sent to listeners when samples are published or the
// measurement definitions change.
type Update struct {
	Samples         []measurement.Sample
	MetadataChanged bool
}
