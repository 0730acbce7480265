package livesync

import (
	"errors"
	"testing"
)

func TestSubscription_Lifecycle(t *testing.T) {
	ch, _ := LookupChannel(ChannelPharmacyStock)
	var got []string
	sub := newSubscription(ch, func(m Message) { got = append(got, m.Event) })

	if sub.State() != SubscriptionPending {
		t.Fatalf("initial state = %v", sub.State())
	}
	if delivered, _ := sub.deliver(Message{Event: "early"}); delivered {
		t.Fatal("pending subscription must not deliver")
	}

	if !sub.activate() {
		t.Fatal("activate from pending should succeed")
	}
	if sub.activate() {
		t.Fatal("second activate should be ignored")
	}
	if sub.fail(errors.New("late")) {
		t.Fatal("active subscription must not fail")
	}

	for _, e := range []string{"a", "b", "c"} {
		if delivered, err := sub.deliver(Message{Event: e}); !delivered || err != nil {
			t.Fatalf("deliver %s: %v %v", e, delivered, err)
		}
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("delivery order = %v", got)
	}
}

func TestSubscription_Failed(t *testing.T) {
	sub := newSubscription(Channel{Name: "x"}, func(Message) { t.Fatal("failed subscription delivered") })
	cause := errors.New("boom")
	if !sub.fail(cause) {
		t.Fatal("fail from pending should succeed")
	}
	if sub.activate() {
		t.Fatal("failed subscription must not activate")
	}
	if !errors.Is(sub.Err(), cause) {
		t.Fatalf("Err = %v", sub.Err())
	}
	if delivered, _ := sub.deliver(Message{}); delivered {
		t.Fatal("failed subscription delivered")
	}
}

func TestSubscription_HandlerPanicContained(t *testing.T) {
	sub := newSubscription(Channel{Name: "x"}, func(Message) { panic("bad handler") })
	sub.activate()
	if _, err := sub.deliver(Message{}); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if sub.State() != SubscriptionActive {
		t.Fatal("a handler panic must not change state")
	}
}
