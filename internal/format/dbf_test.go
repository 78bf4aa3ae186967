package format

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fieldstream/tailtype/internal/model"
)

type person struct {
	Name string `tailtype:"NAME"`
	Age  int    `tailtype:"AGE"`
}

// buildDBF assembles a minimal dBase III file with two character fields:
// NAME (10 bytes) and AGE (3 bytes), and the given rows.
func buildDBF(t *testing.T, rows [][2]string) string {
	t.Helper()
	const nameLen, ageLen = 10, 3
	recordLen := 1 + nameLen + ageLen
	headerLen := dbfHeaderSize + 2*dbfFieldDescSize + 1

	buf := make([]byte, 0, headerLen+len(rows)*recordLen+1)

	header := make([]byte, dbfHeaderSize)
	header[0] = 0x03
	putLE32(header[4:8], uint32(len(rows)))
	putLE16(header[8:10], uint16(headerLen))
	putLE16(header[10:12], uint16(recordLen))
	buf = append(buf, header...)

	nameDesc := make([]byte, dbfFieldDescSize)
	copy(nameDesc, "NAME")
	nameDesc[11] = 'C'
	nameDesc[16] = byte(nameLen)
	buf = append(buf, nameDesc...)

	ageDesc := make([]byte, dbfFieldDescSize)
	copy(ageDesc, "AGE")
	ageDesc[11] = 'C'
	ageDesc[16] = byte(ageLen)
	buf = append(buf, ageDesc...)

	buf = append(buf, dbfFieldTerminator)

	for _, row := range rows {
		rec := make([]byte, recordLen)
		rec[0] = ' '
		copy(rec[1:1+nameLen], padRight(row[0], nameLen))
		copy(rec[1+nameLen:1+nameLen+ageLen], padRight(row[1], ageLen))
		buf = append(buf, rec...)
	}
	buf = append(buf, dbfEndOfFileMarker)

	dir := t.TempDir()
	path := filepath.Join(dir, "data.dbf")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func padRight(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s[:n]
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func TestDBFParseFrom(t *testing.T) {
	path := buildDBF(t, [][2]string{{"alice", "30"}, {"bob", "40"}})

	var d DBF[person]
	newSeek, batch, ok, err := d.ParseFrom(path, 0, model.UTF8)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if newSeek != 2 {
		t.Fatalf("newSeek=%d, want 2 records", newSeek)
	}
	if len(batch) != 2 || batch[0].Value.Name != "alice" || batch[0].Value.Age != 30 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch[1].Value.Name != "bob" || batch[1].Value.Age != 40 {
		t.Fatalf("unexpected second row: %+v", batch[1].Value)
	}
}

func TestDBFIncrementalSeekByRecordCount(t *testing.T) {
	path := buildDBF(t, [][2]string{{"alice", "30"}, {"bob", "40"}, {"carl", "50"}})

	var d DBF[person]
	newSeek, batch, ok, err := d.ParseFrom(path, 1, model.UTF8)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || newSeek != 3 {
		t.Fatalf("got (ok=%v newSeek=%d), want (true, 3)", ok, newSeek)
	}
	if len(batch) != 2 || batch[0].Value.Name != "bob" || batch[1].Value.Name != "carl" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestDBFParseUpTo(t *testing.T) {
	path := buildDBF(t, [][2]string{{"alice", "30"}, {"bob", "40"}})

	var d DBF[person]
	batch, err := d.ParseUpTo(path, 1, model.UTF8)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].Value.Name != "alice" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}
