package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/multierr"

	"github.com/luma/gep/measurement"
)

const (
	UpdateBufferSize = 255

	measurementsPath = "measurements"
	latestPath       = "latest"
)

// InmemoryStore keeps everything in a single JSON document:
//
//	{
//	  "measurements": {"<signal id>": {"signalID": "...", "source": "PPA", "id": 1, "description": "..."}},
//	  "latest":       {"<signal id>": {"time": <unix nanos>, "value": 59.98, "quality": 0}}
//	}
type InmemoryStore struct {
	valuesMu sync.RWMutex
	values   []byte

	mu          sync.Mutex
	updateChans []chan *Update

	// stop will be closed when Close() is called
	stop      chan struct{}
	closeOnce sync.Once
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte("{}"),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

// Close unblocks any publish waiting on a full listener before closing the
// update channels.
func (i *InmemoryStore) Close() error {
	i.closeOnce.Do(func() { close(i.stop) })

	i.mu.Lock()
	defer i.mu.Unlock()

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}
	i.updateChans = nil

	return nil
}

func measurementPath(prefix string, key measurement.Key) string {
	return prefix + "." + key.SignalID.String()
}

func (i *InmemoryStore) Define(ctx context.Context, key measurement.Key, description string) (err error) {
	if key.SignalID == uuid.Nil {
		key = measurement.NewKey(key.Source, key.ID)
	}

	i.valuesMu.Lock()
	i.values, err = sjson.SetBytes(i.values, measurementPath(measurementsPath, key), map[string]interface{}{
		"signalID":    key.SignalID.String(),
		"source":      key.Source,
		"id":          key.ID,
		"description": description,
	})
	i.valuesMu.Unlock()

	if err != nil {
		return fmt.Errorf("Failed to define %s: %w", key, err)
	}

	return i.broadcast(&Update{MetadataChanged: true})
}

func (i *InmemoryStore) MeasurementKeys(ctx context.Context) ([]measurement.Key, error) {
	i.valuesMu.RLock()
	defined := gjson.GetBytes(i.values, measurementsPath)
	i.valuesMu.RUnlock()

	keys := make([]measurement.Key, 0)

	var err error
	defined.ForEach(func(signalID, def gjson.Result) bool {
		id, perr := uuid.Parse(signalID.String())
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("Signal ID %q: %w", signalID.String(), perr))
			return true
		}

		keys = append(keys, measurement.Key{
			SignalID: id,
			Source:   def.Get("source").String(),
			ID:       def.Get("id").Uint(),
		})
		return true
	})

	sort.Slice(keys, func(a, b int) bool {
		if keys[a].Source != keys[b].Source {
			return keys[a].Source < keys[b].Source
		}
		return keys[a].ID < keys[b].ID
	})

	return keys, err
}

func (i *InmemoryStore) Metadata(ctx context.Context) ([]byte, error) {
	i.valuesMu.RLock()
	defined := gjson.GetBytes(i.values, measurementsPath).Raw
	i.valuesMu.RUnlock()

	if defined == "" {
		defined = "{}"
	}

	return sjson.SetRawBytes([]byte("{}"), measurementsPath, []byte(defined))
}

// Publish skips samples of undefined measurements and reports them all
// together. The remaining samples are still recorded and announced.
func (i *InmemoryStore) Publish(ctx context.Context, samples []measurement.Sample) (err error) {
	accepted := make([]measurement.Sample, 0, len(samples))

	i.valuesMu.Lock()
	for _, s := range samples {
		if !gjson.GetBytes(i.values, measurementPath(measurementsPath, s.Key)).Exists() {
			err = multierr.Append(err, fmt.Errorf("Failed to publish %s: %w", s.Key, ErrUnknownMeasurement))
			continue
		}

		values, serr := sjson.SetBytes(i.values, measurementPath(latestPath, s.Key), map[string]interface{}{
			"time":    s.Timestamp.UnixNano(),
			"value":   s.Value,
			"quality": uint32(s.Quality),
		})
		if serr != nil {
			err = multierr.Append(err, fmt.Errorf("Failed to publish %s: %w", s.Key, serr))
			continue
		}

		i.values = values
		accepted = append(accepted, s)
	}
	i.valuesMu.Unlock()

	if len(accepted) > 0 {
		err = multierr.Append(err, i.broadcast(&Update{Samples: accepted}))
	}

	return err
}

func (i *InmemoryStore) Latest(ctx context.Context, key measurement.Key) (measurement.Sample, error) {
	i.valuesMu.RLock()
	latest := gjson.GetBytes(i.values, measurementPath(latestPath, key))
	i.valuesMu.RUnlock()

	if !latest.Exists() {
		return measurement.Sample{}, fmt.Errorf("No sample for %s: %w", key, ErrUnknownMeasurement)
	}

	return measurement.Sample{
		Key:       key,
		Timestamp: time.Unix(0, latest.Get("time").Int()).UTC(),
		Value:     latest.Get("value").Float(),
		Quality:   measurement.Quality(latest.Get("quality").Uint()),
	}, nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) broadcast(update *Update) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return ErrClosed
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- update:
		case <-i.stop:
			return ErrClosed
		}
	}

	return nil
}

// Restore replaces the whole document, e.g. with the output of Backup().
func (i *InmemoryStore) Restore(values []byte) error {
	if !gjson.ValidBytes(values) {
		return ErrInvalidDocument
	}

	i.valuesMu.Lock()
	i.values = append([]byte(nil), values...)
	i.valuesMu.Unlock()

	return i.broadcast(&Update{MetadataChanged: true})
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return append([]byte(nil), i.values...), nil
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Store = (*InmemoryStore)(nil)
