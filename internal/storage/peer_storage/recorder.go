package peerstorage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	discoverymodels "lanlink/internal/discovery_manager/models"
	"lanlink/internal/util/logger/sl"

	"github.com/benbjohnson/clock"
)

const DefaultRecorderBuffer = 256

type observation struct {
	record discoverymodels.PeerRecord
	at     time.Time
}

// Recorder наблюдатель обнаружения, который пишет пиров в Store из своей
// горутины. Observe не блокирует поток тиков: при полном буфере запись теряется.
type Recorder struct {
	store   Store
	log     *slog.Logger
	clock   clock.Clock
	pending chan observation
	dropped atomic.Int64
}

func NewRecorder(store Store, log *slog.Logger, clk clock.Clock, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultRecorderBuffer
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{
		store:   store,
		log:     log.With(slog.String("component", "peer_recorder")),
		clock:   clk,
		pending: make(chan observation, bufferSize),
	}
}

func (r *Recorder) Observe(record discoverymodels.PeerRecord) {
	select {
	case r.pending <- observation{record: record, at: r.clock.Now()}:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run пишет наблюдения до отмены ctx, затем дописывает то, что осталось в буфере.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case o := <-r.pending:
			r.write(o)
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case o := <-r.pending:
			r.write(o)
		default:
			return
		}
	}
}

// write не зависит от ctx Run: принятое наблюдение дописывается и при остановке.
func (r *Recorder) write(o observation) {
	if err := r.store.Record(context.Background(), o.record, o.at); err != nil {
		r.log.Warn("Failed to record peer", slog.String("peer", o.record.String()), sl.Err(err))
	}
}
