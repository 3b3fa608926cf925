package output

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesFramesUntilDone(t *testing.T) {
	p := NewPublisher()
	ch := p.Subscribe("req1")

	p.Status("req1", StageProcessing)
	p.Message("req1", "hello", "work", "RESPOND", 0.9)
	p.Done("req1", 100*time.Millisecond)

	var frames []Frame
	for f := range ch {
		frames = append(frames, f)
	}

	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[0].Type != FrameStatus || frames[1].Type != FrameMessage || frames[2].Type != FrameDone {
		t.Errorf("frame types %v %v %v", frames[0].Type, frames[1].Type, frames[2].Type)
	}
	if frames[1].Data["text"] != "hello" {
		t.Errorf("message payload %v", frames[1].Data)
	}
}

func TestPublishWithoutSubscriberIsDropped(t *testing.T) {
	p := NewPublisher()
	p.Message("ghost", "nobody listening", "", "RESPOND", 1.0) // must not panic or block
}

func TestResubscribeReplacesChannel(t *testing.T) {
	p := NewPublisher()
	old := p.Subscribe("req1")
	_ = p.Subscribe("req1")

	// The replaced channel is closed immediately
	if _, ok := <-old; ok {
		t.Error("old channel should be closed on resubscribe")
	}
}

func TestNotifyFeedsRingAndDispatch(t *testing.T) {
	p := NewPublisher()

	var mu sync.Mutex
	var dispatched []Notification
	done := make(chan struct{})
	p.SetNotificationDispatch(func(_ context.Context, n Notification) {
		mu.Lock()
		dispatched = append(dispatched, n)
		mu.Unlock()
		close(done)
	})

	n := p.Notify(context.Background(), "heads up", "garden", "drift")
	if n.ID == "" {
		t.Error("notification should get an ID")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch never fired")
	}

	recent := p.RecentNotifications()
	if len(recent) != 1 || recent[0].Content != "heads up" {
		t.Errorf("ring %+v", recent)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 1 || dispatched[0].Topic != "garden" {
		t.Errorf("dispatched %+v", dispatched)
	}
}

func TestNotificationRingCapped(t *testing.T) {
	p := NewPublisher()
	for i := 0; i < notificationRingCap+10; i++ {
		p.Notify(context.Background(), "n", "t", "drift")
	}
	if got := len(p.RecentNotifications()); got != notificationRingCap {
		t.Errorf("ring size %d, want %d", got, notificationRingCap)
	}
}
