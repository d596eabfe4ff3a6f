package logs

import (
	"testing"

	"github.com/narvanalabs/sandbox-plane/internal/models"
)

func entry(kind models.TargetKind, id string, seq int64) *models.LogEntry {
	return &models.LogEntry{TargetKind: kind, TargetID: id, Seq: seq, Stream: models.StreamStdout, Message: "line"}
}

func TestBrokerDeliversToMatchingTarget(t *testing.T) {
	b := NewBroker(10, nil)
	target := Target{Kind: models.TargetBuild, ID: "b1"}

	sub, backlog := b.Subscribe(target)
	defer b.Unsubscribe(sub)
	if len(backlog) != 0 {
		t.Fatalf("backlog = %d, want 0", len(backlog))
	}

	b.Publish([]*models.LogEntry{
		entry(models.TargetBuild, "b1", 1),
		entry(models.TargetBuild, "b2", 1),
		entry(models.TargetProcess, "b1", 1),
		entry(models.TargetBuild, "b1", 2),
	})

	for _, want := range []int64{1, 2} {
		got := <-sub.Ch
		if got.TargetID != "b1" || got.TargetKind != models.TargetBuild || got.Seq != want {
			t.Errorf("got %+v, want b1 seq %d", got, want)
		}
	}
	select {
	case extra := <-sub.Ch:
		t.Errorf("unexpected entry %+v", extra)
	default:
	}
}

func TestBrokerBacklogForLateSubscriber(t *testing.T) {
	b := NewBroker(10, nil)
	target := Target{Kind: models.TargetProcess, ID: "p1"}

	b.Publish([]*models.LogEntry{entry(models.TargetProcess, "p1", 1), entry(models.TargetProcess, "p1", 2)})

	sub, backlog := b.Subscribe(target)
	defer b.Unsubscribe(sub)
	if len(backlog) != 2 || backlog[0].Seq != 1 || backlog[1].Seq != 2 {
		t.Errorf("backlog = %v", backlog)
	}

	b.Forget(target)
	_, backlog = b.Subscribe(target)
	if len(backlog) != 0 {
		t.Errorf("backlog after Forget = %d", len(backlog))
	}
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker(0, nil)
	target := Target{Kind: models.TargetBuild, ID: "b1"}
	sub, _ := b.Subscribe(target)

	batch := make([]*models.LogEntry, DefaultSubscriberBuffer+10)
	for i := range batch {
		batch[i] = entry(models.TargetBuild, "b1", int64(i+1))
	}
	b.Publish(batch)

	if len(sub.Ch) != DefaultSubscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(sub.Ch), DefaultSubscriberBuffer)
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
}

func TestTailEvictsOldest(t *testing.T) {
	tail := NewTail(10)
	for i := 1; i <= 11; i++ {
		tail.Add(entry(models.TargetBuild, "b", int64(i)))
	}
	all := tail.All()
	if len(all) != 10 {
		t.Fatalf("Len = %d, want 10", len(all))
	}
	if all[0].Seq != 2 || all[9].Seq != 11 {
		t.Errorf("first=%d last=%d", all[0].Seq, all[9].Seq)
	}
}

func TestBrokerCloseEndsSubscriptions(t *testing.T) {
	b := NewBroker(10, nil)
	target := Target{Kind: models.TargetProcess, ID: "p1"}
	sub, _ := b.Subscribe(target)

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Ch; ok {
		t.Error("channel still open after Close")
	}
	b.Unsubscribe(sub)
	b.Close()

	late, backlog := b.Subscribe(target)
	if _, ok := <-late.Ch; ok || backlog != nil {
		t.Error("subscription after Close must be closed and empty")
	}
	b.Publish([]*models.LogEntry{entry(models.TargetProcess, "p1", 1)})
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d", b.SubscriberCount())
	}
}
