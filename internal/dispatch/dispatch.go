// Package dispatch implements MsgDispatcher, the per-reader multiplexer
// from one parsed batch to many filtered subscriber channels (spec
// component C4). Grounded on the Rust prototype's
// src/reader/msg_dispatcher.rs (DashMap-backed cert table, per-cert
// buffering in one pass, batch sent as a single channel message) and on
// syncthing's lib/events pub-sub (Subscribe/Unsubscribe with a mask-style
// predicate, poll-style delivery over a bounded channel).
package dispatch

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fieldstream/tailtype/internal/logger"
	"github.com/fieldstream/tailtype/internal/model"
)

var l = logger.Default.NewFacility("dispatch", "per-reader subscriber multiplexing")

// Predicate decides whether a record should be delivered to the
// subscription that registered it, given the verifyData it was
// subscribed with.
type Predicate[T any] func(verifyData string, v *T) bool

type cert[T any] struct {
	key        int32
	verifyData string
	predicate  Predicate[T]
	send       chan<- []model.Item[T]
	running    atomic.Bool
}

// Dispatcher multicasts parsed batches to every subscription whose
// predicate matches, and unicasts catch-up batches to a single
// subscription. It is safe for concurrent use by one producer (the
// reader goroutine) and any number of subscribers calling
// Subscribe/Unsubscribe.
type Dispatcher[T any] struct {
	certs   *xsync.MapOf[int32, *cert[T]]
	nextKey atomic.Int32
	onDrop  func()
}

// Option configures a Dispatcher at construction time.
type Option func(*dispatcherConfig)

type dispatcherConfig struct {
	onDrop func()
}

// WithDropHook registers fn to be called every time a batch is dropped
// because a subscriber's mailbox was full or closed, so a caller can feed
// it into a metrics counter without this package depending on any
// particular metrics backend.
func WithDropHook(fn func()) Option {
	return func(c *dispatcherConfig) { c.onDrop = fn }
}

// New returns an empty Dispatcher.
func New[T any](opts ...Option) *Dispatcher[T] {
	var c dispatcherConfig
	for _, fn := range opts {
		fn(&c)
	}
	d := &Dispatcher[T]{
		certs:  xsync.NewMapOf[int32, *cert[T]](),
		onDrop: c.onDrop,
	}
	d.nextKey.Store(0)
	return d
}

// GetCert allocates a fresh, process-unique (within this dispatcher)
// subscription key.
func (d *Dispatcher[T]) GetCert() int32 {
	return d.nextKey.Add(1)
}

// Subscribe installs or overwrites the subscription identified by
// certKey.
func (d *Dispatcher[T]) Subscribe(verifyData string, predicate Predicate[T], send chan<- []model.Item[T], certKey int32) {
	c := &cert[T]{
		key:        certKey,
		verifyData: verifyData,
		predicate:  predicate,
		send:       send,
	}
	c.running.Store(true)
	d.certs.Store(certKey, c)
}

// GetCertAndSubscribe is a convenience wrapper around GetCert+Subscribe.
func (d *Dispatcher[T]) GetCertAndSubscribe(verifyData string, predicate Predicate[T], send chan<- []model.Item[T]) int32 {
	key := d.GetCert()
	d.Subscribe(verifyData, predicate, send, key)
	return key
}

// Dispatch multicasts batch to every running subscription under
// per-subscription predicate filtering. An Ok item is appended to a
// subscription's per-cert buffer iff its predicate matches; an Err item
// is appended, as a fresh clone, to every running subscription's buffer
// regardless of predicate. Each non-empty buffer is sent as exactly one
// message per call, preserving batch boundaries.
func (d *Dispatcher[T]) Dispatch(batch []model.Item[T]) {
	if len(batch) == 0 {
		return
	}
	buffers := make(map[int32][]model.Item[T])
	d.certs.Range(func(key int32, c *cert[T]) bool {
		if !c.running.Load() {
			return true
		}
		for _, item := range batch {
			if item.Err != nil {
				buffers[key] = append(buffers[key], model.Errored[T](cloneErr(item.Err)))
				continue
			}
			v := item.Value
			if c.predicate(c.verifyData, &v) {
				buffers[key] = append(buffers[key], model.Ok(v))
			}
		}
		return true
	})
	for key, buf := range buffers {
		if len(buf) == 0 {
			continue
		}
		d.sendTo(key, buf)
	}
}

// DispatchSingle unicasts batch to exactly one subscription, skipping
// predicate filtering entirely - used for the catch-up delivery of a
// pre-registration read that only the newly arrived subscriber asked for.
func (d *Dispatcher[T]) DispatchSingle(batch []model.Item[T], certKey int32) {
	if len(batch) == 0 {
		return
	}
	d.sendTo(certKey, batch)
}

func (d *Dispatcher[T]) sendTo(certKey int32, batch []model.Item[T]) {
	c, ok := d.certs.Load(certKey)
	if !ok || !c.running.Load() {
		return
	}
	select {
	case c.send <- batch:
	default:
		l.Warnf("cert %d: subscriber channel full or closed, dropping batch of %d", certKey, len(batch))
		if d.onDrop != nil {
			d.onDrop()
		}
	}
}

// Unsubscribe marks certKey dead and removes it. It is idempotent: a
// second call for the same key reports model.ErrNoSuchCert.
func (d *Dispatcher[T]) Unsubscribe(certKey int32) error {
	c, ok := d.certs.LoadAndDelete(certKey)
	if !ok {
		return model.ErrNoSuchCert
	}
	c.running.Store(false)
	return nil
}

// NoSubscriber reports whether the dispatcher currently has zero
// subscriptions. It is an instantaneous snapshot, usable only as a hint.
func (d *Dispatcher[T]) NoSubscriber() bool {
	return d.certs.Size() == 0
}

func cloneErr(err error) error {
	if re, ok := err.(*model.RecordError); ok {
		return re.Clone()
	}
	return err
}
