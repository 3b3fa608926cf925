package bus

import (
	"testing"

	"github.com/chalie-ai/chalie/internal/types"
)

func TestPublishReachesAllSubscribersInOrder(t *testing.T) {
	b := New()
	var order []int
	b.SubscribeEncode(func(_ types.EncodeEvent) { order = append(order, 1) })
	b.SubscribeEncode(func(_ types.EncodeEvent) { order = append(order, 2) })

	b.PublishEncode(types.EncodeEvent{Topic: "work"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("delivery order %v", order)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := New()
	delivered := false
	b.SubscribeEncode(func(_ types.EncodeEvent) { panic("bad handler") })
	b.SubscribeEncode(func(_ types.EncodeEvent) { delivered = true })

	b.PublishEncode(types.EncodeEvent{})

	if !delivered {
		t.Error("panic in one handler blocked the next")
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := New()
	b.PublishEncode(types.EncodeEvent{}) // must not panic
}
