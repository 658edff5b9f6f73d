package pending_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/floodwatch-tech/floodwatch/gateway/pending"
)

func TestRoundTrip(t *testing.T) {
	table := pending.NewTable()
	ticket, err := table.RegisterWait("sensor-1")
	if err != nil {
		t.Fatal(err)
	}
	if ticket.DeviceID() != "sensor-1" {
		t.Fatalf("unexpected ticket identity %q", ticket.DeviceID())
	}
	if ticket.SubmittedAt().IsZero() || time.Since(ticket.SubmittedAt()) < 0 {
		t.Fatalf("implausible submission time %v", ticket.SubmittedAt())
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		if !table.Deliver("sensor-1", []byte(`{"status":"success"}`)) {
			t.Error("expected delivery to find the waiter")
		}
	}()

	payload, err := table.Await(ticket, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `{"status":"success"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
	if table.Len() != 0 {
		t.Fatal("claimed registration must be removed from the table")
	}
}

func TestAlreadyPending(t *testing.T) {
	table := pending.NewTable()
	ticket, err := table.RegisterWait("sensor-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.RegisterWait("sensor-1"); !errors.Is(err, pending.ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}

	// a different identity is not affected
	if _, err := table.RegisterWait("sensor-2"); err != nil {
		t.Fatal(err)
	}

	// once the first wait is resolved the identity is free again
	table.Deliver("sensor-1", []byte(`{}`))
	if _, err := table.Await(ticket, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := table.RegisterWait("sensor-1"); err != nil {
		t.Fatal(err)
	}
}

func TestTimeout(t *testing.T) {
	table := pending.NewTable()
	ticket, err := table.RegisterWait("sensor-1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = table.Await(ticket, 20*time.Millisecond)
	if !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if table.Len() != 0 {
		t.Fatal("timed out registration must be removed from the table")
	}
	// a late response is unsolicited
	if table.Deliver("sensor-1", []byte(`{}`)) {
		t.Fatal("late delivery must be discarded")
	}
}

func TestUnsolicitedDelivery(t *testing.T) {
	table := pending.NewTable()
	if table.Deliver("sensor-404", []byte(`{}`)) {
		t.Fatal("delivery without a waiter must return false")
	}
	if table.Len() != 0 {
		t.Fatal("unsolicited delivery must not create table entries")
	}
}

func TestConcurrentDistinctRegistrations(t *testing.T) {
	table := pending.NewTable()
	ids := []string{"sensor-1", "sensor-2", "sensor-3", "sensor-4"}

	var wg sync.WaitGroup
	for _, id := range ids {
		ticket, err := table.RegisterWait(id)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(id string, ticket *pending.Ticket) {
			defer wg.Done()
			payload, err := table.Await(ticket, time.Second)
			if err != nil {
				t.Errorf("%s: %v", id, err)
				return
			}
			// each waiter must receive the response for its own identity
			if string(payload) != `{"device_id":"`+id+`"}` {
				t.Errorf("%s received foreign payload %s", id, payload)
			}
		}(id, ticket)
	}

	// deliver in reverse order to make sure correlation is by identity,
	// not arrival order
	for i := len(ids) - 1; i >= 0; i-- {
		if !table.Deliver(ids[i], []byte(`{"device_id":"`+ids[i]+`"}`)) {
			t.Fatalf("expected delivery for %s to find its waiter", ids[i])
		}
	}
	wg.Wait()
}

func TestDuplicateDelivery(t *testing.T) {
	table := pending.NewTable()
	ticket, err := table.RegisterWait("sensor-1")
	if err != nil {
		t.Fatal(err)
	}
	if !table.Deliver("sensor-1", []byte(`first`)) {
		t.Fatal("first delivery should be accepted")
	}
	if table.Deliver("sensor-1", []byte(`second`)) {
		t.Fatal("second delivery should be discarded")
	}
	payload, err := table.Await(ticket, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "first" {
		t.Fatalf("expected first payload, got %s", payload)
	}
}
