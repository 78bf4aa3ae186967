package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/fieldstream/tailtype/internal/model"
)

type row struct {
	a int
}

func alwaysTrue(string, *row) bool { return true }

func TestSubscribeAndDispatch(t *testing.T) {
	d := New[row]()
	send := make(chan []model.Item[row], 1)
	key := d.GetCertAndSubscribe("", alwaysTrue, send)

	d.Dispatch([]model.Item[row]{model.Ok(row{a: 1}), model.Ok(row{a: 2})})

	select {
	case batch := <-send:
		if len(batch) != 2 || batch[0].Value.a != 1 || batch[1].Value.a != 2 {
			t.Fatalf("unexpected batch: %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
	}

	if err := d.Unsubscribe(key); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := d.Unsubscribe(key); !errors.Is(err, model.ErrNoSuchCert) {
		t.Fatalf("second unsubscribe: got %v, want ErrNoSuchCert", err)
	}
}

func TestPredicateFiltering(t *testing.T) {
	d := New[row]()
	sendA := make(chan []model.Item[row], 1)
	sendB := make(chan []model.Item[row], 1)

	pred := func(verify string, r *row) bool {
		want := 0
		if verify == "1" {
			want = 1
		}
		return r.a%2 == want
	}

	d.GetCertAndSubscribe("0", pred, sendA)
	d.GetCertAndSubscribe("1", pred, sendB)

	d.Dispatch([]model.Item[row]{model.Ok(row{1}), model.Ok(row{2}), model.Ok(row{3})})

	batchA := recvBatch(t, sendA)
	batchB := recvBatch(t, sendB)

	if len(batchA) != 1 || batchA[0].Value.a != 2 {
		t.Fatalf("subscriber A: got %+v, want [{2}]", batchA)
	}
	if len(batchB) != 2 || batchB[0].Value.a != 1 || batchB[1].Value.a != 3 {
		t.Fatalf("subscriber B: got %+v, want [{1} {3}]", batchB)
	}
}

func TestErrorFansOutToEveryCert(t *testing.T) {
	d := New[row]()
	sendA := make(chan []model.Item[row], 1)
	sendB := make(chan []model.Item[row], 1)

	falsePred := func(string, *row) bool { return false }

	d.GetCertAndSubscribe("", falsePred, sendA)
	d.GetCertAndSubscribe("", alwaysTrue, sendB)

	recErr := &model.RecordError{Path: "x.csv", Offset: 10, Msg: "boom"}
	d.Dispatch([]model.Item[row]{model.Errored[row](recErr)})

	batchA := recvBatch(t, sendA)
	batchB := recvBatch(t, sendB)

	if len(batchA) != 1 || batchA[0].Err == nil {
		t.Fatalf("subscriber A should receive the error regardless of predicate, got %+v", batchA)
	}
	if len(batchB) != 1 || batchB[0].Err == nil {
		t.Fatalf("subscriber B should receive the error, got %+v", batchB)
	}
	if batchA[0].Err == batchB[0].Err {
		t.Fatal("error instances should be cloned, not shared, between certs")
	}
}

func TestDeadSubscriberDoesNotBlockProducer(t *testing.T) {
	d := New[row]()
	full := make(chan []model.Item[row]) // unbuffered, never drained
	live := make(chan []model.Item[row], 1)

	d.GetCertAndSubscribe("", alwaysTrue, full)
	d.GetCertAndSubscribe("", alwaysTrue, live)

	done := make(chan struct{})
	go func() {
		d.Dispatch([]model.Item[row]{model.Ok(row{1})})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full/dead subscriber channel")
	}

	recvBatch(t, live)
}

func TestNoSubscriber(t *testing.T) {
	d := New[row]()
	if !d.NoSubscriber() {
		t.Fatal("expected NoSubscriber on a fresh dispatcher")
	}
	send := make(chan []model.Item[row], 1)
	key := d.GetCertAndSubscribe("", alwaysTrue, send)
	if d.NoSubscriber() {
		t.Fatal("expected a subscriber to be present")
	}
	_ = d.Unsubscribe(key)
	if !d.NoSubscriber() {
		t.Fatal("expected NoSubscriber after the only cert unsubscribed")
	}
}

func recvBatch(t *testing.T, ch <-chan []model.Item[row]) []model.Item[row] {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}
