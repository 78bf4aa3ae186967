// Package tailtype is a typed, subscription-oriented tailing engine for
// slowly-growing record files (CSV and DBF/xBase). Callers register a
// typed subscription against a file path; the engine watches the file
// for growth, parses newly appended records into strongly-typed values,
// filters them per subscription, and delivers batches over a bounded
// channel. A single reader is shared by every subscription of a given
// (path, record type, mode), so the file is parsed at most once per
// change.
//
// The package-level GetOrCreate/Remove functions are the common entry
// point; they lazily initialize one process-wide file listener and
// reader registry on first use, mirroring syncthing's own pattern of a
// lazily-initialized global event bus.
package tailtype

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldstream/tailtype/internal/dispatch"
	"github.com/fieldstream/tailtype/internal/filelisten"
	"github.com/fieldstream/tailtype/internal/format"
	"github.com/fieldstream/tailtype/internal/metrics"
	"github.com/fieldstream/tailtype/internal/model"
	"github.com/fieldstream/tailtype/internal/registry"
	"github.com/fieldstream/tailtype/internal/tailreader"
)

// Item is one element of a dispatched batch: either a successfully
// parsed record or a per-record parse failure riding alongside its
// neighbors.
type Item[T any] = model.Item[T]

// EncType is the byte encoding of a CSV file's contents.
type EncType = model.EncType

const (
	UTF8 = model.UTF8
	GBK  = model.GBK
)

// Mode is whether a reader re-delivers the whole file on every notify
// (Full) or only the newly appended tail (Increment).
type Mode = model.Mode

const (
	Increment = model.Increment
	Full      = model.Full
)

// Predicate decides whether a record should be delivered to the
// subscription that registered it, given the verifyData supplied at
// Subscribe time.
type Predicate[T any] = dispatch.Predicate[T]

// Option configures a reader at GetOrCreate time; see the tailreader
// package for the available options (WithBeforeRegisterData, WithClock,
// WithContext, WithMetrics, WithResetSeekOnError).
type Option = tailreader.Option

// WithResetSeekOnError enables `reset_seek_when_err`: when a catch-up read
// (GetRegisterBeforeData/GetAllData) fails - a DBF file truncated to a
// size smaller than its recorded seek position is the case spec section 6
// names - the reader resets its seek position to 0 so the next catch-up
// call restarts from the beginning instead of failing against a seek
// position the file can no longer satisfy.
func WithResetSeekOnError(enabled bool) Option {
	return tailreader.WithResetSeekOnError(enabled)
}

// RegistryOption configures the package-level default registry; see Init.
type RegistryOption = registry.Option

// WithListener injects a caller-constructed Listener for the package-level
// default registry instead of the one Init constructs otherwise. The
// injected Listener is still fsnotify-backed and installs real OS watches.
func WithListener(ln *filelisten.Listener) RegistryOption {
	return registry.WithListener(ln)
}

// Metrics bundles one reader's Prometheus collectors and go-metrics parse
// timers, so a host process can opt a reader into both styles of
// observability with a single Option. Construct with NewMetrics and
// Register it with whatever prometheus.Registerer the host already owns.
type Metrics struct {
	reader *metrics.Reader
	timers *metrics.ParseTimers
}

// NewMetrics builds the collector set for a reader identified by path and
// mode; the labels keep multiple readers distinguishable under one
// Registerer.
func NewMetrics(path string, mode Mode) *Metrics {
	return &Metrics{
		reader: metrics.NewReader(path, mode.String()),
		timers: metrics.NewParseTimers(),
	}
}

// Register adds m's Prometheus collectors to reg. Call once per Metrics.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return m.reader.Register(reg)
}

// ParseSnapshot returns the sampled parse-duration count, mean, and p99 (in
// nanoseconds) observed so far for the named backend ("csv" or "dbf").
func (m *Metrics) ParseSnapshot(formatName string) (count int64, meanNs, p99Ns float64) {
	return m.timers.Snapshot(formatName)
}

// WithMetrics attaches m to a reader at GetOrCreate time, labeling its
// parse-duration samples under formatName.
func WithMetrics(m *Metrics, formatName string) Option {
	return tailreader.WithMetrics(m.reader, m.timers, formatName)
}

var (
	initOnce        sync.Once
	initErr         error
	defaultRegistry *registry.Registry
)

// Init constructs the package-level default registry used by
// GetOrCreate*/Remove*. Calling it is optional and only takes effect the
// first time it or any GetOrCreate*/Remove* call runs - mirroring
// syncthing's own once-only lazy global initialization; an explicit call
// before the first reader is requested is the only way to supply
// RegistryOptions such as WithListener.
func Init(opts ...RegistryOption) error {
	initOnce.Do(func() {
		defaultRegistry, initErr = registry.New(opts...)
	})
	return initErr
}

func ensureInit() error {
	return Init()
}

// Reader is the public handle to a shared SubsReader: every caller that
// obtains the same (path, T, mode) gets a Reader wrapping the same
// underlying state machine.
type Reader[T any] struct {
	inner *tailreader.SubsReader[T]
}

// Subscribe installs a new subscription, starting the reader's
// background goroutine if this is the first subscription. predicate is
// consulted against verifyData for every Ok record; Err records are
// delivered to every subscription unconditionally.
func (r *Reader[T]) Subscribe(verifyData string, predicate Predicate[T]) (certKey int32, recv <-chan []Item[T]) {
	return r.inner.Subscribe(verifyData, predicate)
}

// Unsubscribe removes certKey. Idempotent calls after the first fail
// with model.ErrNoSuchCert.
func (r *Reader[T]) Unsubscribe(certKey int32) error {
	return r.inner.Unsubscribe(certKey)
}

// Empty reports whether the reader currently has zero subscriptions.
func (r *Reader[T]) Empty() bool { return r.inner.Empty() }

// GetRegisterBeforeData returns the records that existed in the file
// before certKey registered.
func (r *Reader[T]) GetRegisterBeforeData(certKey int32) ([]Item[T], error) {
	return r.inner.GetRegisterBeforeData(certKey)
}

// GetAllData returns every record up to the reader's current seek
// position, regardless of any subscription's registration point.
func (r *Reader[T]) GetAllData() ([]Item[T], error) {
	return r.inner.GetAllData()
}

// GetOrCreateCSVReader returns the shared CSV Reader[T] for (path, mode),
// installing its OS watch on first use.
func GetOrCreateCSVReader[T any](path string, mode Mode, enc EncType, opts ...Option) (*Reader[T], error) {
	if err := ensureInit(); err != nil {
		return nil, err
	}
	sr, err := registry.GetOrCreate[T](defaultRegistry, path, mode, enc, format.CSV[T]{}, opts...)
	if err != nil {
		return nil, err
	}
	return &Reader[T]{inner: sr}, nil
}

// RemoveCSVReader unsubscribes certKey from the CSV reader registered for
// (path, mode).
func RemoveCSVReader[T any](path string, mode Mode, certKey int32) error {
	if err := ensureInit(); err != nil {
		return err
	}
	return registry.Remove[T](defaultRegistry, path, mode, certKey)
}

// GetOrCreateDBFReader returns the shared DBF Reader[T] for (path, mode),
// installing its OS watch on first use. enc is accepted for API symmetry
// with GetOrCreateCSVReader but ignored: DBF field bytes are copied into
// strings unchanged, without any character decoding.
func GetOrCreateDBFReader[T any](path string, mode Mode, enc EncType, opts ...Option) (*Reader[T], error) {
	if err := ensureInit(); err != nil {
		return nil, err
	}
	sr, err := registry.GetOrCreate[T](defaultRegistry, path, mode, enc, format.DBF[T]{}, opts...)
	if err != nil {
		return nil, err
	}
	return &Reader[T]{inner: sr}, nil
}

// RemoveDBFReader unsubscribes certKey from the DBF reader registered for
// (path, mode).
func RemoveDBFReader[T any](path string, mode Mode, certKey int32) error {
	if err := ensureInit(); err != nil {
		return err
	}
	return registry.Remove[T](defaultRegistry, path, mode, certKey)
}
