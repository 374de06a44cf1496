package alerts

import (
	"testing"
	"time"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
		ok   bool
	}{
		{"buy", ActionBuy, true},
		{"SELL", ActionSell, true},
		{"  Close  ", ActionClose, true},
		{"close_long", ActionCloseLong, true},
		{"CLOSE_SHORT", ActionCloseShort, true},
		{"hold", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseAction(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseAction(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEntryAndCloseClassification(t *testing.T) {
	for _, action := range []Action{ActionBuy, ActionSell} {
		a := Alert{Action: action}
		if !a.IsEntry() || a.IsClose() {
			t.Errorf("%s should classify as entry only", action)
		}
	}
	for _, action := range []Action{ActionClose, ActionCloseLong, ActionCloseShort} {
		a := Alert{Action: action}
		if a.IsEntry() || !a.IsClose() {
			t.Errorf("%s should classify as close only", action)
		}
	}
}

func TestChannelFeedDeliversInOrder(t *testing.T) {
	feed := NewChannelFeed(8)
	got := make(chan int64, 8)

	if err := feed.Subscribe(func(a Alert) { got <- a.ID }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Unsubscribe()

	for i := int64(1); i <= 3; i++ {
		feed.Publish(Alert{ID: i})
	}

	for want := int64(1); want <= 3; want++ {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("delivery order: got %d, want %d", id, want)
			}
		case <-time.After(time.Second):
			t.Fatal("alert not delivered")
		}
	}
}

func TestChannelFeedDropsAfterUnsubscribe(t *testing.T) {
	feed := NewChannelFeed(1)
	delivered := make(chan Alert, 4)

	if err := feed.Subscribe(func(a Alert) { delivered <- a }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	feed.Unsubscribe()

	feed.Publish(Alert{ID: 99}) // must not block or deliver

	select {
	case a := <-delivered:
		t.Fatalf("alert %d delivered after unsubscribe", a.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	feed := NewChannelFeed(1)
	feed.Unsubscribe()
	feed.Unsubscribe() // second call must not panic
}
