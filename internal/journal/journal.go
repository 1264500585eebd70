package journal

import (
	"context"
	"sync"

	"keeper/internal/adapter"
	"keeper/internal/bus"
	"keeper/internal/errors"
	"keeper/internal/obs"
	"keeper/internal/position"

	"github.com/yanun0323/logs"
	"gorm.io/gorm"
)

// Writer persists one record.
type Writer func(ctx context.Context, record any) error

// Journal appends fills and position outcomes to storage off the hot path. Records are
// dropped, never blocked on, when the queue is full. Nothing is read back.
type Journal struct {
	write    Writer
	fills    *bus.Queue[FillRecord]
	outcomes *bus.Queue[OutcomeRecord]
	metrics  *obs.Metrics
	wg       sync.WaitGroup
}

// New creates a journal writing through db.
func New(db *gorm.DB, capacity int, metrics *obs.Metrics) *Journal {
	return NewWithWriter(GormWriter(db), capacity, metrics)
}

// NewWithWriter creates a journal writing through write.
func NewWithWriter(write Writer, capacity int, metrics *obs.Metrics) *Journal {
	return &Journal{
		write:    write,
		fills:    bus.NewQueue[FillRecord](capacity),
		outcomes: bus.NewQueue[OutcomeRecord](capacity),
		metrics:  metrics,
	}
}

// GormWriter inserts records with db.
func GormWriter(db *gorm.DB) Writer {
	return func(ctx context.Context, record any) error {
		return db.WithContext(ctx).Create(record).Error
	}
}

// Migrate creates or updates the journal tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&FillRecord{}, &OutcomeRecord{}); err != nil {
		return errors.Wrap(err, "migrate journal")
	}
	return nil
}

// RecordFill queues a fill. It is meant to be registered as a fill monitor listener.
func (j *Journal) RecordFill(ev adapter.FillEvent) {
	j.publish(j.fills.TryPublish(fillRecord(ev)))
}

// RecordOutcome queues a position outcome. It is meant to be registered with
// position.Manager.OnOutcome.
func (j *Journal) RecordOutcome(o position.Outcome) {
	j.publish(j.outcomes.TryPublish(outcomeRecord(o)))
}

func (j *Journal) publish(err error) {
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrQueueClosed):
		j.metrics.IncQueueClosed()
	default:
		j.metrics.IncQueueDrop()
	}
}

// Start runs the writers until ctx is done or Close drains the queues.
func (j *Journal) Start(ctx context.Context) {
	j.wg.Add(2)
	go func() {
		defer j.wg.Done()
		j.fills.Run(ctx, func(rec FillRecord) {
			if err := j.write(ctx, &rec); err != nil {
				logs.Errorf("journal fill %s %s, err: %+v", rec.Exchange, rec.OrderID, err)
			}
		})
	}()
	go func() {
		defer j.wg.Done()
		j.outcomes.Run(ctx, func(rec OutcomeRecord) {
			if err := j.write(ctx, &rec); err != nil {
				logs.Errorf("journal %s %s %s, err: %+v", rec.Kind, rec.Exchange, rec.Symbol, err)
			}
		})
	}()
}

// Close stops accepting records and waits for queued ones to be written.
func (j *Journal) Close() {
	j.fills.Close()
	j.outcomes.Close()
	j.wg.Wait()
}

// Pending returns the number of queued records.
func (j *Journal) Pending() int {
	return j.fills.Len() + j.outcomes.Len()
}
