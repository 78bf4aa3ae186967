// Package format implements the pluggable "parse from offset" backends
// (spec component C6): one per supported file format, CSV and DBF/xBase.
//
// No corpus example vendors a CSV-to-struct or DBF/xBase decoding library,
// so both backends are built on the standard library (encoding/csv, and
// hand-written little-endian helpers for the DBF header) plus a small
// reflection-based row binder in this package; DESIGN.md records these
// standard-library choices.
package format

import "github.com/fieldstream/tailtype/internal/model"

// Backend parses append-only records of type T out of a file in a given
// encoding. path is the file path; seek is a byte offset for CSV and a
// record count for DBF (see the Mode/offset convention in spec section 3).
type Backend[T any] interface {
	// ParseFrom parses from seek to EOF. ok is false iff the trailing
	// bytes were malformed and the caller should retry. newSeek equals
	// seek and batch is empty when there is nothing new to read.
	ParseFrom(path string, seek uint64, enc model.EncType) (newSeek uint64, batch []model.Item[T], ok bool, err error)

	// ParseUpTo parses the region [0, seek) for CSV, or the first seek
	// records for DBF. Used for catch-up reads; never retried by the
	// caller.
	ParseUpTo(path string, seek uint64, enc model.EncType) ([]model.Item[T], error)
}
