package presence

import (
	"context"
	"time"

	"HaksaPresence/logger"
	"HaksaPresence/tools/safe"

	"go.uber.org/zap"
)

type sideTask struct {
	ev      BusEvent
	publish bool
}

const sideTimeout = 3 * time.Second

// replicate queues an accepted local change for the bus and the mirror.
func (r *Registry) replicate(ev BusEvent) { r.replicateLocal(ev, true) }

// replicateLocal queues ev; publish=false only updates the mirror. Work is
// handled in FIFO order by one worker so the mirror sees per-user order.
func (r *Registry) replicateLocal(ev BusEvent, publish bool) {
	if r.side == nil {
		return
	}
	r.sideMu.RLock()
	defer r.sideMu.RUnlock()
	if r.sideClosed {
		return
	}
	select {
	case r.side <- sideTask{ev: ev, publish: publish}:
	default:
		r.metrics.Dropped("side")
		logger.Warn("presence side queue full, dropping", zap.String("user_id", ev.Record.UserID), zap.String("op", string(ev.Op)))
	}
}

func (r *Registry) sideWorker() {
	defer close(r.sideDone)
	for t := range r.side {
		r.handleSide(t)
	}
}

func (r *Registry) handleSide(t sideTask) {
	defer safe.Recover("presence-side")
	ctx, cancel := context.WithTimeout(context.Background(), sideTimeout)
	defer cancel()

	if r.mirror != nil {
		var err error
		switch t.ev.Op {
		case BusUpsert:
			err = r.mirror.Save(ctx, t.ev.Record, r.Tuning().StalenessWindow)
		case BusRemove:
			err = r.mirror.Delete(ctx, t.ev.Record.UserID)
		}
		if err != nil {
			logger.Warn("presence mirror write failed", zap.String("user_id", t.ev.Record.UserID), zap.Error(err))
		}
	}
	if t.publish && r.bus != nil {
		if err := r.bus.Publish(ctx, t.ev); err != nil {
			logger.Warn("presence bus publish failed", zap.String("user_id", t.ev.Record.UserID), zap.Error(err))
		}
	}
}
