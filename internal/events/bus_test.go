package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()
	b := NewBus(4, zerolog.Nop())
	ch := b.Subscribe(TypeItemFillChanged)

	ev := NewItemFillChangedEvent(time.Now(), 1, 50, 101.5)
	b.Publish(context.Background(), ev)

	select {
	case got := <-ch:
		fe, ok := got.(ItemFillChangedEvent)
		if !ok || fe.BatchItemID != 1 || fe.FilledQty != 50 {
			t.Fatalf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("expected event to be delivered immediately")
	}
}

func TestPublishIsNonBlockingWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := NewBus(1, zerolog.Nop())
	ch := b.Subscribe(TypeOrderStatusChanged)

	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		go func() {
			b.Publish(context.Background(), NewOrderStatusChangedEvent(time.Now(), int64(i), 1, "WORKING"))
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Publish blocked on full subscriber channel at iteration %d", i)
		}
	}

	metrics := b.GetMetrics()[TypeOrderStatusChanged]
	if metrics.Dropped == 0 {
		t.Error("expected at least one dropped event once the buffer filled")
	}
	<-ch
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	b := NewBus(4, zerolog.Nop())
	b.Publish(context.Background(), NewBatchStatusChangedEvent(time.Now(), 1, "RUNNING"))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := NewBus(4, zerolog.Nop())
	ch := b.Subscribe(TypeItemFillChanged)
	b.Unsubscribe(TypeItemFillChanged, ch)

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}
