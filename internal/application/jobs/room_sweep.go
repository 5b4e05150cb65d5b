package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/hilthontt/dropchat/internal/application/usecases/room"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
)

// RoomSweepJob periodically removes rooms whose TTL has passed. It only
// reclaims storage; expired rooms are already invisible to every read.
type RoomSweepJob struct {
	roomUseCase room.RoomUseCase
	logger      logging.Logger
	interval    time.Duration
	stopChan    chan struct{}
	stopOnce    sync.Once
}

func NewRoomSweepJob(roomUseCase room.RoomUseCase, logger logging.Logger, interval time.Duration) *RoomSweepJob {
	return &RoomSweepJob{
		roomUseCase: roomUseCase,
		logger:      logger,
		interval:    interval,
		stopChan:    make(chan struct{}),
	}
}

func (j *RoomSweepJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info(logging.General, logging.Sweep, "room sweep job started", map[logging.ExtraKey]any{
		"interval": j.interval.String(),
	})

	j.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			j.runSweep(ctx)
		case <-j.stopChan:
			j.logger.Info(logging.General, logging.Sweep, "room sweep job stopped", nil)
			return
		case <-ctx.Done():
			j.logger.Info(logging.General, logging.Sweep, "room sweep job context cancelled", nil)
			return
		}
	}
}

func (j *RoomSweepJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *RoomSweepJob) runSweep(ctx context.Context) {
	startTime := time.Now()

	removed, err := j.roomUseCase.SweepExpired(ctx)
	if err != nil {
		j.logger.Error(logging.Internal, logging.Sweep, "room sweep failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
			logging.Latency:      time.Since(startTime).String(),
		})
		return
	}

	if removed == 0 {
		j.logger.Debug(logging.General, logging.Sweep, "room sweep found nothing to remove", nil)
		return
	}

	j.logger.Info(logging.General, logging.Sweep, "room sweep completed", map[logging.ExtraKey]any{
		"removed":       removed,
		logging.Latency: time.Since(startTime).String(),
	})
}
