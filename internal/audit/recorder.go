package audit

import (
	"context"
	"sync"
	"time"

	"fabricgate.org/internal/auth"
	"fabricgate.org/internal/ids"
	"fabricgate.org/internal/obs"
)

// DefaultQueueSize bounds records waiting for the background writer.
const DefaultQueueSize = 1024

// Sink receives a copy of every persisted record. Failures are logged only.
type Sink interface {
	Mirror(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Mirror(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Recorder persists audit records off the request path. A full queue degrades
// to a synchronous write; records are never dropped.
type Recorder struct {
	store        Writer
	mirrors      []Sink
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
	once   sync.Once
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n >= 0 {
			r.queue = make(chan Record, n)
		}
	}
}

// WithMirror adds a best-effort sink such as a Kafka topic or the live tail.
func WithMirror(s Sink) RecorderOption {
	return func(r *Recorder) {
		if s != nil {
			r.mirrors = append(r.mirrors, s)
		}
	}
}

func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// NewRecorder starts the background writer. Call Close to drain it.
func NewRecorder(store Writer, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:        store,
		writeTimeout: 5 * time.Second,
		now:          time.Now,
		queue:        make(chan Record, DefaultQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		obs.SetAuditQueueDepth(len(r.queue))
		r.write(rec)
	}
	obs.SetAuditQueueDepth(0)
}

// Record enqueues rec. It never fails and never blocks on a full queue.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.At.IsZero() {
		rec.At = r.now().UTC()
	}
	if rec.ClientIP == "" {
		rec.ClientIP = auth.ClientIPFromContext(ctx)
	}

	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- rec:
			obs.SetAuditQueueDepth(len(r.queue))
			r.mu.RUnlock()
			return
		default:
		}
	}
	r.mu.RUnlock()

	obs.IncAuditSyncWrite()
	r.write(rec)
}

func (r *Recorder) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if r.store == nil {
		fallback(rec, nil)
	} else if err := r.store.InsertAudit(ctx, rec); err != nil {
		fallback(rec, err)
	}
	for _, m := range r.mirrors {
		if err := m.Mirror(ctx, rec); err != nil {
			obs.Logger().Warn().Err(err).Str("audit_id", rec.ID).Msg("audit mirror failed")
		}
	}
}

// fallback writes the full record to the log when it could not be persisted.
func fallback(rec Record, err error) {
	obs.IncAuditFailure()
	ev := obs.Logger().Error().Str("type", "audit").Interface("record", rec)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("audit record not persisted")
}

// Close stops accepting queued records and waits for the writer to drain.
// Records arriving after Close are written synchronously.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
