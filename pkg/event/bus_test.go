package event

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

func sampleEvent(id int64, action instruction.Action, to instruction.Status) Event {
	in := &instruction.Instruction{ID: id, Title: "t", Qty: decimal.NewFromInt(1), Status: to, Org: "desk", CreatedBy: 7}
	return New(in, instruction.Transition{Action: action, To: to, At: time.Now()})
}

func TestBus_PublishAssignsSequence(t *testing.T) {
	bus := NewBus(nil)

	var got []uint64
	bus.Subscribe(func(e Event) { got = append(got, e.Sequence) })

	for i := 0; i < 3; i++ {
		ev := bus.Publish(sampleEvent(1, instruction.ActionCreate, instruction.StatusSubmitted))
		if ev.Sequence != uint64(i+1) {
			t.Errorf("Publish() returned sequence %d, want %d", ev.Sequence, i+1)
		}
	}

	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("subscriber saw %v, want [1 2 3]", got)
	}
	if bus.LastSequence() != 3 {
		t.Errorf("LastSequence() = %d", bus.LastSequence())
	}
}

func TestBus_SubscribeType(t *testing.T) {
	bus := NewBus(nil)

	created := 0
	all := 0
	bus.SubscribeType(InstructionCreated, func(Event) { created++ })
	bus.Subscribe(func(Event) { all++ })

	bus.Publish(sampleEvent(1, instruction.ActionCreate, instruction.StatusSubmitted))
	bus.Publish(sampleEvent(1, instruction.ActionCancel, instruction.StatusCancelled))

	if created != 1 || all != 2 {
		t.Errorf("created=%d all=%d, want 1 and 2", created, all)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	id := bus.Subscribe(func(Event) { t.Error("handler should not run after unsubscribe") })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe() returned false for a known id")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe() should return false")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d", bus.SubscriberCount())
	}
	bus.Publish(sampleEvent(1, instruction.ActionCreate, instruction.StatusSubmitted))
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(func(Event) { panic("boom") })

	delivered := false
	bus.Subscribe(func(Event) { delivered = true })

	bus.Publish(sampleEvent(1, instruction.ActionCreate, instruction.StatusSubmitted))
	if !delivered {
		t.Fatal("second handler should still receive the event")
	}
}

func TestBus_ConcurrentPublishersKeepOrder(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	var seen []uint64
	bus.Subscribe(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Sequence)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(sampleEvent(int64(g), instruction.ActionCreate, instruction.StatusSubmitted))
			}
		}(g)
	}
	wg.Wait()

	if len(seen) != 400 {
		t.Fatalf("saw %d events, want 400", len(seen))
	}
	for i, s := range seen {
		if s != uint64(i+1) {
			t.Fatalf("position %d has sequence %d", i, s)
		}
	}
}

func TestTypeFor(t *testing.T) {
	tests := []struct {
		name string
		tr   instruction.Transition
		want Type
	}{
		{"create", instruction.Transition{Action: instruction.ActionCreate}, InstructionCreated},
		{"dispatch", instruction.Transition{Action: instruction.ActionDispatch}, InstructionDispatched},
		{"cancel", instruction.Transition{Action: instruction.ActionCancel}, InstructionCancelled},
		{"received", instruction.Transition{Action: instruction.ActionAck, To: instruction.StatusAcked}, InstructionAcknowledged},
		{"failed", instruction.Transition{Action: instruction.ActionAck, To: instruction.StatusFailed}, InstructionAcknowledged},
		{"completed", instruction.Transition{Action: instruction.ActionAck, To: instruction.StatusExecuted}, InstructionExecuted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TypeFor(tt.tr); got != tt.want {
				t.Errorf("TypeFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvent_Encode(t *testing.T) {
	ev := sampleEvent(42, instruction.ActionCancel, instruction.StatusCancelled)
	ev.Sequence = 9

	raw, err := ev.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var msg struct {
		Type Type    `json:"type"`
		Data Payload `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != InstructionCancelled {
		t.Errorf("type = %s", msg.Type)
	}
	if msg.Data.Seq != 9 || msg.Data.ID != 42 || msg.Data.Status != instruction.StatusCancelled {
		t.Errorf("unexpected payload: %+v", msg.Data)
	}
	if msg.Data.Instruction == nil || msg.Data.Instruction.ID != 42 {
		t.Errorf("payload is missing the instruction snapshot")
	}
}
