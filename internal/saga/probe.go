package saga

import (
	"context"
	"log/slog"
	"time"
)

const probeTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageProbe pings the database on an interval and closes the
// coordinator's gate on new work while the ping fails.
type StorageProbe struct {
	pinger   Pinger
	coord    *Coordinator
	interval time.Duration
	logger   *slog.Logger
}

func NewStorageProbe(pinger Pinger, coord *Coordinator, interval time.Duration, logger *slog.Logger) *StorageProbe {
	return &StorageProbe{pinger: pinger, coord: coord, interval: interval, logger: logger}
}

func (p *StorageProbe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *StorageProbe) Check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := p.pinger.Ping(pingCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Error("storage ping failed", "error", err)
	}
	p.coord.SetStorageAvailable(err == nil)
}
