// Package registry implements the reader registry (spec component C7):
// a typed, path-keyed cache of SubsReader instances, so that every
// subscription to the same (path, record type, mode) shares a single
// reader and a single OS watch.
//
// Grounded on the Rust prototype's src/reader/manager.rs, which keys its
// DashMap by (TypeId, PathBuf) and stores an (increment reader, full
// reader) pair per path; Go has no TypeId, so the runtime type is
// recorded alongside the stored reader and compared on lookup instead of
// folded into the map key itself.
package registry

import (
	"context"
	"reflect"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fieldstream/tailtype/internal/clock"
	"github.com/fieldstream/tailtype/internal/filelisten"
	"github.com/fieldstream/tailtype/internal/format"
	"github.com/fieldstream/tailtype/internal/model"
	"github.com/fieldstream/tailtype/internal/tailreader"
)

type key struct {
	path string
	mode model.Mode
}

type entry struct {
	typ    reflect.Type
	reader any // *tailreader.SubsReader[T] for whatever T created it
}

// Registry is the process-wide cache of SubsReader instances, one OS
// watch installed per distinct path across every (type, mode) sharing it.
// entries is an xsync.MapOf so that lookups for two different (path, mode)
// keys never contend with each other; the only thing serialized per path
// is the brief window around constructing a miss, via pathLock.
type Registry struct {
	listener     *filelisten.Listener
	ownsListener bool

	entries *xsync.MapOf[key, *entry]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Registry at construction time.
type Option func(*config)

type config struct {
	listener *filelisten.Listener
}

// WithListener injects a caller-constructed Listener instead of the one
// New constructs by default. The injected Listener is still
// fsnotify-backed and installs real OS watches.
func WithListener(ln *filelisten.Listener) Option {
	return func(c *config) { c.listener = ln }
}

// New returns an empty Registry. Without WithListener, it constructs and
// initializes a real fsnotify-backed Listener driven by the default coarse
// clock; a listener supplied via WithListener is used as-is and its
// lifecycle (Init/Close) is left to the caller.
func New(opts ...Option) (*Registry, error) {
	var c config
	for _, fn := range opts {
		fn(&c)
	}

	ln := c.listener
	owns := ln == nil
	if owns {
		var err error
		ln, err = filelisten.New(clock.Default)
		if err != nil {
			return nil, err
		}
		if err := ln.Init(context.Background()); err != nil {
			return nil, err
		}
	}

	return &Registry{
		listener:     ln,
		ownsListener: owns,
		entries:      xsync.NewMapOf[key, *entry](),
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the registry's listener, if New constructed it.
func (reg *Registry) Close() error {
	if !reg.ownsListener {
		return nil
	}
	return reg.listener.Close()
}

func (reg *Registry) pathLock(path string) *sync.Mutex {
	reg.locksMu.Lock()
	defer reg.locksMu.Unlock()
	l, ok := reg.locks[path]
	if !ok {
		l = &sync.Mutex{}
		reg.locks[path] = l
	}
	return l
}

// GetOrCreate returns the shared SubsReader[T] for (path, mode),
// constructing it (and installing its OS watch) on first use. backend is
// only consulted on construction; subsequent calls for the same key
// ignore it. A second call for the same (path, mode) with a different T
// fails with model.ErrTypeMismatch. Lookups for different (path, mode)
// keys never contend: the per-path lock is only taken on a miss, around
// construction of that one entry.
func GetOrCreate[T any](reg *Registry, path string, mode model.Mode, enc model.EncType, backend format.Backend[T], opts ...tailreader.Option) (*tailreader.SubsReader[T], error) {
	wantType := reflect.TypeOf((*T)(nil)).Elem()
	k := key{path: path, mode: mode}

	if e, exists := reg.entries.Load(k); exists {
		if e.typ != wantType {
			return nil, model.ErrTypeMismatch
		}
		return e.reader.(*tailreader.SubsReader[T]), nil
	}

	lock := reg.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the path lock: another goroutine may have
	// constructed this exact (path, mode) entry while we were waiting.
	if e, exists := reg.entries.Load(k); exists {
		if e.typ != wantType {
			return nil, model.ErrTypeMismatch
		}
		return e.reader.(*tailreader.SubsReader[T]), nil
	}

	r, err := tailreader.New[T](reg.listener, path, mode == model.Increment, enc, backend, opts...)
	if err != nil {
		return nil, err
	}

	reg.entries.Store(k, &entry{typ: wantType, reader: r})
	return r, nil
}

// Remove unsubscribes certKey from the reader registered for (path,
// mode). It does not evict the reader even if it becomes empty - the
// underlying NotifyMeta is kept alive for cheap reattachment, per spec
// section 4.4's removal protocol.
func Remove[T any](reg *Registry, path string, mode model.Mode, certKey int32) error {
	wantType := reflect.TypeOf((*T)(nil)).Elem()
	k := key{path: path, mode: mode}

	e, exists := reg.entries.Load(k)
	if !exists {
		return model.ErrNoSuchCert
	}
	if e.typ != wantType {
		return model.ErrTypeMismatch
	}
	return e.reader.(*tailreader.SubsReader[T]).Unsubscribe(certKey)
}
