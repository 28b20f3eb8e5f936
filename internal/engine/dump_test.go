package engine_test

import (
	"fmt"
	"testing"

	"github.com/seantiz/dynexec/internal/engine"
)

func drain(ch <-chan string) []string {
	var got []string
	for l := range ch {
		got = append(got, l)
	}
	return got
}

func TestDumpBrokerDeliversInOrder(t *testing.T) {
	b := engine.NewDumpBroker(0)
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	records := []string{`{"node":"a"}`, `{"node":"b"}`, `{"node":"c"}`}
	for _, r := range records {
		b.Publish("e1", r)
	}
	b.Close("e1")

	got := drain(ch)
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range got {
		if got[i] != records[i] {
			t.Errorf("record[%d] = %q, want %q", i, got[i], records[i])
		}
	}
}

func TestDumpBrokerFanOut(t *testing.T) {
	b := engine.NewDumpBroker(0)
	ch1, unsub1 := b.Subscribe("e1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("e1")
	defer unsub2()

	if n := b.Subscribers("e1"); n != 2 {
		t.Fatalf("Subscribers = %d, want 2", n)
	}
	b.Publish("e1", "r")
	b.Close("e1")

	for i, ch := range []<-chan string{ch1, ch2} {
		if got := drain(ch); len(got) != 1 || got[0] != "r" {
			t.Errorf("subscriber %d got %v, want [r]", i, got)
		}
	}
}

func TestDumpBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := engine.NewDumpBroker(0)
	b.Publish("e1", "early")
	b.Close("e1")

	ch, unsub := b.Subscribe("e1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestDumpBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := engine.NewDumpBroker(0)
	ch, unsub := b.Subscribe("e1")
	unsub()
	unsub()

	b.Publish("e1", "after")
	if got := drain(ch); len(got) != 0 {
		t.Errorf("got %v after unsubscribe", got)
	}
	if n := b.Subscribers("e1"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
	b.Close("e1")
}

func TestDumpBrokerUnknownExecutionIsNoop(t *testing.T) {
	b := engine.NewDumpBroker(0)
	b.Publish("missing", "r")
	b.Close("missing")
	if n := b.Subscribers("missing"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestDumpBrokerBoundsFinishedExecutions(t *testing.T) {
	b := engine.NewDumpBroker(8)
	for i := range 1000 {
		b.Close(fmt.Sprintf("e%d", i))
	}
	if n := b.Retained(); n != 8 {
		t.Fatalf("Retained = %d, want 8", n)
	}

	ch, unsub := b.Subscribe("e999")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("subscriber to a recently finished execution should get a closed channel")
	}
}

func TestDumpBrokerDropsStreamWithoutSubscribers(t *testing.T) {
	b := engine.NewDumpBroker(0)
	_, unsub := b.Subscribe("pending")
	if n := b.Retained(); n != 1 {
		t.Fatalf("Retained with a subscriber = %d, want 1", n)
	}
	unsub()
	if n := b.Retained(); n != 0 {
		t.Errorf("Retained after unsubscribe = %d, want 0", n)
	}
}
