package format

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/fieldstream/tailtype/internal/model"
)

// CSV is the Backend for comma-separated record files. A header row is
// assumed present iff the read starts at byte offset 0; parsing is
// flexible in the sense that rows may carry more or fewer columns than
// their neighbors, but a row binding to fewer columns than the target
// struct has fields is treated as a parse failure - this is also how a
// torn trailing write (see spec scenario 3, partial-write retry) is
// detected, mirroring the Rust prototype's reliance on serde's per-field
// deserialize failing on an undercounted row.
type CSV[T any] struct{}

func (CSV[T]) ParseFrom(path string, seek uint64, enc model.EncType) (uint64, []model.Item[T], bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return seek, nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(seek), io.SeekStart); err != nil {
		return seek, nil, false, fmt.Errorf("seek %s: %w", path, err)
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return seek, nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return seek, nil, true, nil
	}

	data, err := decodeBytes(raw, enc)
	if err != nil {
		return seek, nil, false, fmt.Errorf("decode %s: %w", path, err)
	}

	newSeek := seek + uint64(len(raw))
	batch, ok := parseCSVRows[T](data, seek == 0, path, seek)
	return newSeek, batch, ok, nil
}

func (CSV[T]) ParseUpTo(path string, seek uint64, enc model.EncType) ([]model.Item[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	raw := make([]byte, seek)
	n, err := io.ReadFull(f, raw)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	raw = raw[:n]
	if len(raw) == 0 {
		return nil, nil
	}

	data, err := decodeBytes(raw, enc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	batch, _ := parseCSVRows[T](data, true, path, 0)
	return batch, nil
}

func decodeBytes(raw []byte, enc model.EncType) (string, error) {
	if enc == model.UTF8 {
		return string(raw), nil
	}
	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// parseCSVRows decodes every record in data. ok is false if the last row
// failed to bind (too few columns for T's fields) or a malformed CSV row
// stopped parsing; a failed row followed by good rows travels as an
// error item with ok left true.
func parseCSVRows[T any](data string, hasHeader bool, path string, baseOffset uint64) ([]model.Item[T], bool) {
	r := csv.NewReader(strings.NewReader(strings.TrimRight(data, "\r\n")))
	r.FieldsPerRecord = -1

	ok := true
	var out []model.Item[T]
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			out = append(out, model.Errored[T](&model.RecordError{
				Path: path, Offset: baseOffset, Msg: err.Error(),
			}))
			ok = false
			break
		}
		if first {
			first = false
			if hasHeader {
				continue
			}
		}
		v, err := bindByPosition[T](record)
		if err != nil {
			out = append(out, model.Errored[T](&model.RecordError{
				Path: path, Offset: baseOffset, Raw: strings.Join(record, ","), Msg: err.Error(),
			}))
			ok = false
			continue
		}
		ok = true
		out = append(out, model.Ok(v))
	}
	return out, ok
}
