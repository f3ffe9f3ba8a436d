// Package recorder persists accepted traffic and fault events to InfluxDB.
// It observes the controller: frames are queued non-blocking, batched, and
// flushed on size or on a timer so the receive path never waits on the
// database.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	"github.com/tfitpican/cansim/internal/can"
	"github.com/tfitpican/cansim/internal/errmgr"
	"github.com/tfitpican/cansim/internal/interp"
	"github.com/tfitpican/cansim/internal/logging"
	"github.com/tfitpican/cansim/internal/metrics"
)

// Config holds the InfluxDB connection settings.
type Config struct {
	Host     string
	Token    string
	Database string
	// Bus tags every point so several processes can share a database.
	Bus string
}

// pointWriter is the slice of the influxdb3 client the recorder needs.
type pointWriter interface {
	WritePoints(ctx context.Context, points []*influxdb3.Point) error
	Close() error
}

type clientAdapter struct{ c *influxdb3.Client }

func (a clientAdapter) WritePoints(ctx context.Context, points []*influxdb3.Point) error {
	return a.c.WritePoints(ctx, points)
}

func (a clientAdapter) Close() error { return a.c.Close() }

type entry struct {
	msg    can.Message
	fields interp.Fields
	when   time.Time
}

// Recorder batches frames and writes them under the can_frames measurement;
// fault events go to can_events as they arrive.
type Recorder struct {
	w      pointWriter
	bus    string
	log    *slog.Logger
	errs   errmgr.Manager
	ch     chan entry
	batch  []entry
	size   int
	ticker *time.Ticker
	cancel context.CancelFunc
	ctx    context.Context

	closeOnce sync.Once
	done      chan struct{}
}

// New connects to InfluxDB and starts the flush loop. batchSize bounds
// both the batch and (doubled) the intake queue.
func New(cfg Config, batchSize int) (*Recorder, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     cfg.Host,
		Token:    cfg.Token,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("influxdb client: %w", err)
	}
	return newWith(clientAdapter{c: client}, cfg.Bus, batchSize), nil
}

func newWith(w pointWriter, busTag string, batchSize int) *Recorder {
	if batchSize <= 0 {
		batchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		w:      w,
		bus:    busTag,
		log:    logging.L(),
		ch:     make(chan entry, batchSize*2),
		batch:  make([]entry, 0, batchSize),
		size:   batchSize,
		ticker: time.NewTicker(time.Second),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// OnMessage implements the controller observer contract. The frame is
// queued without blocking; a full queue drops and counts.
func (r *Recorder) OnMessage(m can.Message, fields interp.Fields) {
	select {
	case r.ch <- entry{msg: m, fields: fields, when: time.Now()}:
	default:
		metrics.IncRecorderDrop()
	}
}

// RecordEvent writes one fault event point immediately.
func (r *Recorder) RecordEvent(ev errmgr.Event) {
	fields := map[string]any{
		"code":        int64(ev.Code),
		"description": ev.Description,
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	p := influxdb3.NewPoint("can_events",
		map[string]string{"bus": r.bus, "severity": ev.Severity.String()},
		fields, ev.Time)
	if err := r.w.WritePoints(r.ctx, []*influxdb3.Point{p}); err != nil {
		metrics.IncError(metrics.ErrRecorder)
		r.log.Error("recorder_event_write_failed", "error", err)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			r.flush()
			return
		case e := <-r.ch:
			r.batch = append(r.batch, e)
			if len(r.batch) >= r.size {
				r.flush()
			}
		case <-r.ticker.C:
			r.flush()
		}
	}
}

// drain pulls whatever is still queued so Close loses nothing.
func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.ch:
			r.batch = append(r.batch, e)
		default:
			return
		}
	}
}

func (r *Recorder) flush() {
	if len(r.batch) == 0 {
		return
	}
	points := make([]*influxdb3.Point, 0, len(r.batch))
	for _, e := range r.batch {
		tags := map[string]string{
			"bus":    r.bus,
			"can_id": fmt.Sprintf("0x%X", e.msg.ID),
		}
		fields := map[string]any{
			"id":       int64(e.msg.ID),
			"extended": e.msg.Extended,
			"rtr":      e.msg.RTR,
			"len":      int64(e.msg.Len),
			"data":     fmt.Sprintf("%X", e.msg.Data[:e.msg.Len]),
		}
		for name, v := range e.fields {
			fields["sig_"+name] = v
		}
		points = append(points, influxdb3.NewPoint("can_frames", tags, fields, e.when))
	}
	// Detached context so the final flush still runs after cancel.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.w.WritePoints(ctx, points); err != nil {
		metrics.IncError(metrics.ErrRecorder)
		r.log.Error("recorder_flush_failed", "frames", len(r.batch), "error", err)
	}
	r.batch = r.batch[:0]
}

// Close flushes pending frames and releases the client. Idempotent.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		r.ticker.Stop()
		err = r.w.Close()
	})
	return err
}
