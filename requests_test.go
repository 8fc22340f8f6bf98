package mqtt

import (
	"testing"
)

func noopSend(uint16, bool) (requestState, error) { return requestComplete, nil }

func TestPacketIDAllocationSkipsZero(t *testing.T) {
	table := newRequestTable()
	table.nextID = 65534

	ids := []uint16{
		table.create(noopSend, nil).id,
		table.create(noopSend, nil).id,
		table.create(noopSend, nil).id,
	}

	want := []uint16{65535, 1, 2}
	for i, id := range ids {
		if id != want[i] {
			t.Errorf("allocation %d = %d, want %d", i, id, want[i])
		}
	}
}

func TestPacketIDAllocationSkipsOccupied(t *testing.T) {
	table := newRequestTable()

	r1 := table.create(noopSend, nil)
	r2 := table.create(noopSend, nil)
	if r1.id != 1 || r2.id != 2 {
		t.Fatalf("unexpected initial ids %d, %d", r1.id, r2.id)
	}

	// Wrap the counter so the next walk passes the live IDs.
	table.nextID = 0
	r3 := table.create(noopSend, nil)
	if r3.id != 3 {
		t.Errorf("allocation with occupied 1,2 = %d, want 3", r3.id)
	}
}

func TestPacketIDExhaustion(t *testing.T) {
	table := newRequestTable()
	for id := 1; id <= 65535; id++ {
		table.outstanding[uint16(id)] = &request{id: uint16(id)}
	}

	if r := table.create(noopSend, nil); r != nil {
		t.Errorf("create with a full table returned id %d, want nil", r.id)
	}
}

func TestRequestSlotExclusivity(t *testing.T) {
	table := newRequestTable()

	r := table.create(noopSend, nil)
	if r.slot != slotPending {
		t.Fatalf("fresh request slot = %v, want pending", r.slot)
	}
	if table.pending.Len() != 1 || table.ongoing.Len() != 0 {
		t.Fatalf("pending=%d ongoing=%d after create", table.pending.Len(), table.ongoing.Len())
	}

	popped := table.popPending()
	if popped != r {
		t.Fatal("popPending returned a different request")
	}
	table.markOngoing(r)

	if r.slot != slotOngoing {
		t.Fatalf("slot after markOngoing = %v", r.slot)
	}
	if table.pending.Len() != 0 || table.ongoing.Len() != 1 {
		t.Fatalf("pending=%d ongoing=%d after markOngoing", table.pending.Len(), table.ongoing.Len())
	}
	if table.get(r.id) != r {
		t.Fatal("request missing from outstanding map while ongoing")
	}

	table.detach(r)
	if table.pending.Len() != 0 || table.ongoing.Len() != 0 {
		t.Fatal("lists not empty after detach")
	}
	if table.get(r.id) != nil {
		t.Fatal("request still in outstanding map after detach")
	}

	// detach is idempotent
	table.detach(r)
}

func TestMoveOngoingToPendingPreservesOrder(t *testing.T) {
	table := newRequestTable()

	// Three requests submitted in order; the first two made it out, the
	// third is still pending.
	r1 := table.create(noopSend, nil)
	r2 := table.create(noopSend, nil)
	r3 := table.create(noopSend, nil)

	table.popPending()
	table.markOngoing(r1)
	table.popPending()
	table.markOngoing(r2)

	dropped := table.moveOngoingToPending()
	if len(dropped) != 0 {
		t.Fatalf("dropped %d retryable requests", len(dropped))
	}

	var order []uint16
	for e := table.pending.Front(); e != nil; e = e.Next() {
		order = append(order, e.Value.(*request).id)
	}
	want := []uint16{r1.id, r2.id, r3.id}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("pending order = %v, want %v", order, want)
		}
	}
}

func TestMoveOngoingToPendingDropsNoRetry(t *testing.T) {
	table := newRequestTable()

	r1 := table.create(noopSend, nil)
	r1.noRetry = true
	r2 := table.create(noopSend, nil)

	table.popPending()
	table.markOngoing(r1)
	table.popPending()
	table.markOngoing(r2)

	dropped := table.moveOngoingToPending()
	if len(dropped) != 1 || dropped[0] != r1 {
		t.Fatalf("dropped = %v, want just the noRetry request", dropped)
	}
	if table.pending.Len() != 1 || table.pending.Front().Value.(*request) != r2 {
		t.Fatal("retryable request not parked on pending")
	}
}

func TestTakeAllOrdersOngoingFirst(t *testing.T) {
	table := newRequestTable()

	r1 := table.create(noopSend, nil)
	r2 := table.create(noopSend, nil)
	table.popPending()
	table.markOngoing(r1)

	all := table.takeAll()
	if len(all) != 2 || all[0] != r1 || all[1] != r2 {
		t.Fatalf("takeAll = %v", all)
	}
}
