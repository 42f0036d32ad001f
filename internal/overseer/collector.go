package overseer

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascadehq/conductor/internal/topology"
	"github.com/cascadehq/conductor/shared/rabbitmq"
)

// TopologyReader is the subset of the topology store the collector
// reads and sweeps.
type TopologyReader interface {
	ListQueueStatuses(ctx context.Context) ([]topology.QueueStatus, error)
	CountActiveWorkers(ctx context.Context) (int, error)
	FinishFlatlined(ctx context.Context) (int64, error)
}

// QueueInspector reads queue depths from the broker.
type QueueInspector interface {
	InspectQueue(name string) (rabbitmq.QueueStats, error)
}

// Collector periodically sweeps flatlined workers and gathers queue
// and worker gauges for monitoring.
type Collector struct {
	topo     TopologyReader
	broker   QueueInspector
	metrics  *Metrics
	logger   *slog.Logger
	interval time.Duration
}

// NewCollector creates a new Collector
func NewCollector(
	topo TopologyReader,
	broker QueueInspector,
	metrics *Metrics,
	logger *slog.Logger,
	interval time.Duration,
) *Collector {
	return &Collector{
		topo:     topo,
		broker:   broker,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
	}
}

// Run collects on a fixed interval until the context is cancelled. The
// first collection happens immediately.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Collector stopping")
			return nil
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect runs one collection pass. Failures are logged, not returned:
// a flaky broker must not stop the flatline sweep, and vice versa.
func (c *Collector) Collect(ctx context.Context) {
	if finished, err := c.topo.FinishFlatlined(ctx); err != nil {
		c.logger.Error("Failed to sweep flatlined workers", slog.Any("error", err))
	} else if finished > 0 {
		c.logger.Info("Finished flatlined workers", slog.Int64("count", finished))
	}

	if count, err := c.topo.CountActiveWorkers(ctx); err != nil {
		c.logger.Error("Failed to count active workers", slog.Any("error", err))
	} else {
		c.metrics.WorkersTotal.Set(float64(count))
	}

	statuses, err := c.topo.ListQueueStatuses(ctx)
	if err != nil {
		c.logger.Error("Failed to list queues", slog.Any("error", err))
		return
	}

	for _, status := range statuses {
		stats, err := c.broker.InspectQueue(status.Name)
		if err != nil {
			c.logger.Error("Failed to inspect queue",
				slog.String("queue", status.Name),
				slog.Any("error", err),
			)
			continue
		}

		length := float64(stats.Messages)
		workers := float64(status.ActiveWorkers)

		ratio := length
		if workers > 0 {
			ratio = length / workers
		}

		c.metrics.QueueLength.WithLabelValues(status.Account, status.Name).Set(length)
		c.metrics.QueueWorkers.WithLabelValues(status.Account, status.Name).Set(workers)
		c.metrics.QueueRatio.WithLabelValues(status.Account, status.Name).Set(ratio)

		c.logger.Debug("Collected queue",
			slog.String("account", status.Account),
			slog.String("queue", status.Name),
			slog.Int("length", stats.Messages),
			slog.Int("workers", status.ActiveWorkers),
		)
	}
}
