package service

import (
	"testing"

	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/repository"
)

func TestHub_DeliversToTaskSubscribers(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("t1")
	other, unsubscribeOther := h.Subscribe("t2")
	defer unsubscribeOther()

	h.OnProgress("t1", repository.TaskProgress{Progress: 30})
	h.OnComplete("t1", DonePayload{Status: domain.TaskStatusCompleted, TotalResults: 2})

	ev := <-ch
	if ev.Event != EventProgress || ev.Payload.(repository.TaskProgress).Progress != 30 {
		t.Errorf("first event = %+v", ev)
	}
	ev = <-ch
	if ev.Event != EventDone || ev.Payload.(DonePayload).TotalResults != 2 {
		t.Errorf("second event = %+v", ev)
	}
	select {
	case ev := <-other:
		t.Errorf("t2 subscriber got %+v", ev)
	default:
	}

	unsubscribe()
	unsubscribe()
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	h.OnProgress("t1", repository.TaskProgress{})
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub()
	_, unsubscribe := h.Subscribe("t1")
	defer unsubscribe()
	for i := 0; i < 100; i++ {
		h.OnProgress("t1", repository.TaskProgress{Progress: i})
	}
}

func TestHub_DoneSurvivesFullBuffer(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe("t1")
	defer unsubscribe()

	for i := 0; i < 16; i++ {
		h.OnProgress("t1", repository.TaskProgress{Progress: i})
	}
	h.OnComplete("t1", DonePayload{Status: domain.TaskStatusCancelled})

	var last Event
	for n := 0; n < 16; n++ {
		select {
		case last = <-ch:
		default:
			t.Fatalf("buffer drained after %d events, want 16", n)
		}
	}
	if last.Event != EventDone || last.Payload.(DonePayload).Status != domain.TaskStatusCancelled {
		t.Errorf("last buffered event = %+v, want done", last)
	}
}
