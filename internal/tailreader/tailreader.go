// Package tailreader implements SubsReader, the per-(path, type, mode)
// reader state machine (spec component C5): it owns a NotifyMeta and a
// MsgDispatcher, and runs the single reader goroutine that turns file
// notifications and catch-up requests into parsed, dispatched batches.
//
// Grounded on the Rust prototype's src/reader/csv_reader.rs and
// src/reader/dbf_reader.rs, which both implement the same two-channel
// select loop over a notify receiver and an internal read-request
// receiver; this package generalizes that loop over any format.Backend[T]
// instead of hand-writing it once per format.
package tailreader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/fieldstream/tailtype/internal/clock"
	"github.com/fieldstream/tailtype/internal/dispatch"
	"github.com/fieldstream/tailtype/internal/filelisten"
	"github.com/fieldstream/tailtype/internal/format"
	"github.com/fieldstream/tailtype/internal/logger"
	"github.com/fieldstream/tailtype/internal/metrics"
	"github.com/fieldstream/tailtype/internal/model"
	"github.com/fieldstream/tailtype/internal/notifymeta"
)

var l = logger.Default.NewFacility("tailreader", "per-file reader state machine")

// Option configures a SubsReader at construction time.
type Option func(*options)

type options struct {
	beforeRegisterData bool
	resetSeekOnError   bool
	clock              clock.Clock
	ctx                context.Context
	metricsReader      *metrics.Reader
	parseTimers        *metrics.ParseTimers
	formatName         string
}

// WithMetrics attaches a Reader for Prometheus gauges/counters and a
// ParseTimers for go-metrics parse-duration sampling, labeled under
// formatName ("csv" or "dbf"). Both are nil-safe to omit.
func WithMetrics(mr *metrics.Reader, pt *metrics.ParseTimers, formatName string) Option {
	return func(o *options) {
		o.metricsReader = mr
		o.parseTimers = pt
		o.formatName = formatName
	}
}

// WithContext overrides the context the reader goroutine runs under;
// cancelling it stops the goroutine the same way a Stop notify does.
// Defaults to context.Background(), since the reader's own lifecycle
// (start on first Subscribe, stop on last Unsubscribe) governs shutdown
// in the common case.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithBeforeRegisterData enables the catch-up paths in Subscribe. When
// disabled, new subscribers observe only data appended after they
// register, matching spec section 6's `before_register_data` switch.
func WithBeforeRegisterData(enabled bool) Option {
	return func(o *options) { o.beforeRegisterData = enabled }
}

// WithResetSeekOnError enables `reset_seek_when_err`: when a catch-up read
// (GetRegisterBeforeData or GetAllData) fails - the DBF case spec section 6
// names, e.g. the file was truncated to a size smaller than seek_pos - the
// reader resets seek_pos to 0 so the next catch-up call restarts from the
// beginning instead of repeatedly failing against a seek position the file
// can no longer satisfy.
func WithResetSeekOnError(enabled bool) Option {
	return func(o *options) { o.resetSeekOnError = enabled }
}

// WithClock overrides the clock used for rate-limiting, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

type readReq struct {
	certKey  int32
	seekHint uint64
}

// SubsReader is the per-(path, T, mode) reader state machine.
type SubsReader[T any] struct {
	path        string
	isIncrement bool
	encType     model.EncType
	backend     format.Backend[T]

	seekPos   atomic.Uint64
	isRunning atomic.Bool

	meta        *notifymeta.Meta
	listener    *filelisten.Listener
	dispatcher  *dispatch.Dispatcher[T]
	readReqChan chan readReq

	registerBeforePosMu sync.Mutex
	registerBeforePos   map[int32]uint64

	readFromHeadDone atomic.Bool
	lastReadTime     atomic.Uint64

	opts              options
	supervisor        *suture.Supervisor
	supervisorStarted atomic.Bool
}

// New constructs a SubsReader for path and registers its OS watch via
// listener. The reader goroutine is not started until the first
// Subscribe call.
func New[T any](listener *filelisten.Listener, path string, isIncrement bool, enc model.EncType, backend format.Backend[T], opts ...Option) (*SubsReader[T], error) {
	meta, err := listener.AddWatch(path)
	if err != nil {
		return nil, err
	}
	o := options{clock: clock.Default, ctx: context.Background()}
	for _, fn := range opts {
		fn(&o)
	}
	var dispatchOpts []dispatch.Option
	if o.metricsReader != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithDropHook(func() {
			o.metricsReader.DispatchDropped.Inc()
		}))
	}
	r := &SubsReader[T]{
		path:              path,
		isIncrement:       isIncrement,
		encType:           enc,
		backend:           backend,
		meta:              meta,
		listener:          listener,
		dispatcher:        dispatch.New[T](dispatchOpts...),
		readReqChan:       make(chan readReq, model.ReadRequestMailboxCap),
		registerBeforePos: make(map[int32]uint64),
		opts:              o,
		supervisor:        suture.NewSimple("tailreader:" + path),
	}
	return r, nil
}

// Path reports the file path this reader watches.
func (r *SubsReader[T]) Path() string { return r.path }

// Empty reports whether the reader currently has zero subscriptions.
func (r *SubsReader[T]) Empty() bool { return r.dispatcher.NoSubscriber() }

// Subscribe installs a new subscription and, on the first subscription,
// starts the reader goroutine. See spec section 4.3 for the full
// catch-up protocol.
func (r *SubsReader[T]) Subscribe(verifyData string, predicate dispatch.Predicate[T]) (int32, <-chan []model.Item[T]) {
	send := make(chan []model.Item[T], model.SubscriberMailboxCap)
	certKey := r.dispatcher.GetCertAndSubscribe(verifyData, predicate, send)

	posAtRegister := r.seekPos.Load()
	r.registerBeforePosMu.Lock()
	r.registerBeforePos[certKey] = posAtRegister
	r.registerBeforePosMu.Unlock()

	if r.isRunning.CompareAndSwap(false, true) {
		r.supervisor.Add(r)
		if r.supervisorStarted.CompareAndSwap(false, true) {
			go r.supervisor.ServeBackground(r.opts.ctx)
		}
	}

	if r.opts.beforeRegisterData {
		if r.readFromHeadDone.CompareAndSwap(false, true) {
			r.sendReadReq(readReq{certKey: certKey, seekHint: model.ReadFromHeadFlag})
		} else if posAtRegister > 0 {
			r.sendReadReq(readReq{certKey: certKey, seekHint: posAtRegister})
		}
	}

	return certKey, send
}

// Unsubscribe removes certKey. If the reader now has zero subscriptions
// it stops the background goroutine on its next loop iteration.
func (r *SubsReader[T]) Unsubscribe(certKey int32) error {
	if err := r.dispatcher.Unsubscribe(certKey); err != nil {
		return err
	}
	r.registerBeforePosMu.Lock()
	delete(r.registerBeforePos, certKey)
	r.registerBeforePosMu.Unlock()
	if r.dispatcher.NoSubscriber() {
		r.isRunning.Store(false)
	}
	return nil
}

// GetRegisterBeforeData returns the batch of records that existed before
// certKey registered, as a one-shot catch-up read; it does not consume
// any reader-thread state and is safe to call repeatedly. The one
// exception is a failed read under WithResetSeekOnError, which resets the
// seek position to 0.
func (r *SubsReader[T]) GetRegisterBeforeData(certKey int32) ([]model.Item[T], error) {
	r.registerBeforePosMu.Lock()
	pos, ok := r.registerBeforePos[certKey]
	r.registerBeforePosMu.Unlock()
	if !ok {
		return nil, model.ErrNoSuchCert
	}
	batch, err := r.backend.ParseUpTo(r.path, pos, r.encType)
	r.maybeResetSeekOnError(err)
	return batch, err
}

// GetAllData returns every record in the file up to the current seek
// position, regardless of any subscription's registration point.
func (r *SubsReader[T]) GetAllData() ([]model.Item[T], error) {
	batch, err := r.backend.ParseUpTo(r.path, r.seekPos.Load(), r.encType)
	r.maybeResetSeekOnError(err)
	return batch, err
}

// maybeResetSeekOnError implements `reset_seek_when_err`: a failed
// catch-up read resets seek_pos to 0 when the reader was configured with
// WithResetSeekOnError, so a file that was truncated out from under a
// stale seek position recovers on the next catch-up call instead of
// failing forever.
func (r *SubsReader[T]) maybeResetSeekOnError(err error) {
	if err != nil && r.opts.resetSeekOnError {
		r.seekPos.Store(0)
	}
}

func (r *SubsReader[T]) sendReadReq(req readReq) {
	select {
	case r.readReqChan <- req:
	default:
		l.Warnf("%s: read-request mailbox full, dropping catch-up request for cert %d", r.path, req.certKey)
	}
}

// Serve implements suture.Service: the reader goroutine started on the
// transition to the first Subscribe. It always returns
// suture.ErrDoNotRestart, since every exit here is either a deliberate
// Stop/last-unsubscribe shutdown or a cancelled context - both are
// restarted, if at all, by the next Subscribe call rather than by the
// supervisor.
func (r *SubsReader[T]) Serve(ctx context.Context) error {
	r.run(ctx)
	return suture.ErrDoNotRestart
}

func (r *SubsReader[T]) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-r.meta.Events():
			if !open {
				return
			}
			if !r.isRunning.Load() {
				return
			}
			switch ev.Kind {
			case notifymeta.Stop:
				return
			default:
				r.readAndDispatch()
			}
		case req, open := <-r.readReqChan:
			if !open {
				return
			}
			if !r.isRunning.Load() {
				return
			}
			r.handleReadRequest(req)
		}
	}
}

func (r *SubsReader[T]) handleReadRequest(req readReq) {
	if req.seekHint == model.ReadFromHeadFlag {
		r.readAndDispatch()
		return
	}
	batch, err := r.backend.ParseUpTo(r.path, req.seekHint, r.encType)
	if err != nil {
		l.Warnf("%s: catch-up read to %d failed: %v", r.path, req.seekHint, err)
		return
	}
	r.dispatcher.DispatchSingle(batch, req.certKey)
}

// readAndDispatch implements the notify-branch algorithm in spec section
// 4.3: rate-limited, retried parse-from-seek followed by a multicast
// dispatch of whatever batch results.
func (r *SubsReader[T]) readAndDispatch() {
	posBefore := r.seekPos.Load()

	var (
		newSeek uint64
		batch   []model.Item[T]
		ok      bool
	)
	for attempt := 0; attempt < model.MaxReadRetryTime; attempt++ {
		r.rateLimit()

		parseStart := time.Now()
		ns, b, readOK, err := r.backend.ParseFrom(r.path, posBefore, r.encType)
		if r.opts.parseTimers != nil {
			r.opts.parseTimers.Observe(r.opts.formatName, time.Since(parseStart))
		}
		r.lastReadTime.Store(r.opts.clock.NowMillis())
		if err != nil {
			l.Warnf("%s: parse from %d failed: %v", r.path, posBefore, err)
		}
		newSeek, batch, ok = ns, b, readOK

		last := attempt == model.MaxReadRetryTime-1
		needsRetry := newSeek == posBefore || len(batch) == 0 || !ok
		if !needsRetry {
			break
		}
		if last {
			// Retries exhausted - including a final attempt that still
			// reports ok=false, e.g. a permanently torn trailing record
			// from a writer that crashed mid-append - drop this event
			// silently rather than surface a PartialRecordError to
			// subscribers. The next notify will trigger another attempt.
			return
		}
		time.Sleep(model.RetrySleepMillis * time.Millisecond)
	}

	if ok && r.isIncrement {
		r.seekPos.Store(newSeek)
	}
	r.dispatcher.Dispatch(batch)

	if mr := r.opts.metricsReader; mr != nil {
		mr.SeekPos.Set(float64(r.seekPos.Load()))
		mr.DispatchBatches.Inc()
	}
}

func (r *SubsReader[T]) rateLimit() {
	now := r.opts.clock.NowMillis()
	last := r.lastReadTime.Load()
	if now < last+model.MinReadIntervalMillis {
		time.Sleep(time.Millisecond)
	}
}
