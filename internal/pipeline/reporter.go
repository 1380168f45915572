package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/SubstructureOne/impulse/internal/store"
	"github.com/SubstructureOne/impulse/internal/wire"
)

// reporterMetrics receives a callback for each report committed or dropped
// and for every store operation's outcome, so the caller (typically
// internal/metrics) can track them without this package depending on
// Prometheus directly.
type reporterMetrics interface {
	ReportWritten(kind string)
	ReportDropped()
	StoreOpCompleted(op string, d time.Duration)
	StoreOpError(op, class string)
}

// BoundedReporter is a fire-and-forget Reporter backed by a bounded work
// queue: packets are never blocked on metering, and on overflow a report
// is dropped and counted rather than applying backpressure to the data
// plane.
type BoundedReporter struct {
	st       store.Store
	queue    chan *Packet
	counter  reporterMetrics
	log      *slog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBoundedReporter starts numWorkers goroutines draining a queue of
// depth queueLen. Call Close to drain in-flight work and stop workers.
func NewBoundedReporter(st store.Store, queueLen, numWorkers int, counter reporterMetrics) *BoundedReporter {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	r := &BoundedReporter{
		st:      st,
		queue:   make(chan *Packet, queueLen),
		counter: counter,
		log:     slog.Default().With("component", "pipeline.reporter"),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Report enqueues a packet for asynchronous commit. It never blocks: if the
// queue is full the report is dropped immediately and counted.
func (r *BoundedReporter) Report(p *Packet) {
	select {
	case r.queue <- p:
	default:
		if r.counter != nil {
			r.counter.ReportDropped()
		}
		r.log.Warn("report queue full, dropping report", "kind", p.Kind.String())
	}
}

func (r *BoundedReporter) worker() {
	defer r.wg.Done()
	for {
		select {
		case p, ok := <-r.queue:
			if !ok {
				return
			}
			r.commit(p)
		case <-r.stopCh:
			// drain remaining queued items best-effort, then exit
			for {
				select {
				case p, ok := <-r.queue:
					if !ok {
						return
					}
					r.commit(p)
				default:
					return
				}
			}
		}
	}
}

func (r *BoundedReporter) commit(p *Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the reporter records the session's username, if any was already known;
	// resolving to user_id happens later via the reports_to_charge view
	// join, not here.
	newReport := store.NewReport{
		Username:    p.Username,
		PacketKind:  p.Kind.String(),
		PacketTime:  p.Observed,
		Direction:   directionPtr(p.Direction),
		PacketInfo:  packetInfoJSON(p),
		PacketBytes: p.Raw,
		Charged:     false,
	}
	start := time.Now()
	_, err := r.st.InsertReport(ctx, newReport)
	if r.counter != nil {
		r.counter.StoreOpCompleted("insert_report", time.Since(start))
	}
	if err != nil {
		if r.counter != nil {
			r.counter.StoreOpError("insert_report", errClass(err))
		}
		r.log.Error("report commit failed", "error", err, "kind", p.Kind.String())
		return
	}
	if r.counter != nil {
		r.counter.ReportWritten(p.Kind.String())
	}
}

// errClass buckets a store error for the op-error counter's class label.
func errClass(err error) string {
	switch {
	case errors.Is(err, store.ErrStoreBadData):
		return "bad_data"
	case errors.Is(err, store.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

// packetInfoJSON renders the decoded, post-transform view of a packet as the
// report's structured packet_info column. Packets with nothing decoded (or
// whose decode failed) get a null packet_info rather than a guess.
func packetInfoJSON(p *Packet) []byte {
	var info any
	switch {
	case p.Kind == wire.KindStartup && p.Startup != nil:
		info = map[string]any{
			"protocol_version": p.Startup.ProtocolVersion,
			"parameters":       p.Startup.Parameters(),
		}
	case p.Kind == wire.KindQuery && p.SQL != "":
		info = map[string]any{"query": p.SQL}
	default:
		return nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil
	}
	return b
}

// directionPtr maps a wire.Direction to the store's Pktdirection enum
// spelling ("Forward"/"Backward"), which does not match wire.Direction's
// own lowercase String() (used for metrics labels, not persistence).
func directionPtr(d wire.Direction) *string {
	s := string(store.DirectionBackward)
	if d == wire.Forward {
		s = string(store.DirectionForward)
	}
	return &s
}

// Close signals the workers to commit what is already queued and waits for
// them to exit. Report does not check for Close: a packet reported
// afterwards stays in the queue uncommitted, or is dropped once the queue
// is full.
func (r *BoundedReporter) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
