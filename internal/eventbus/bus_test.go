package eventbus

import (
	"testing"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
)

func newTestBus() *Bus {
	return New(idgen.NewGenerator(), 100)
}

func TestPublishAssignsMonotonicDeliveryAndSequence(t *testing.T) {
	b := newTestBus()
	e1 := b.Publish(&model.RunEvent{RunID: "run1", Category: model.CategoryAssistantDelta, Timestamp: time.Now()})
	e2 := b.Publish(&model.RunEvent{RunID: "run1", Category: model.CategoryRunCompleted, Timestamp: time.Now()})

	if e1.DeliveryID != 1 || e2.DeliveryID != 2 {
		t.Errorf("expected deliveryIds 1,2, got %d,%d", e1.DeliveryID, e2.DeliveryID)
	}
	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Errorf("expected per-run sequence 1,2, got %d,%d", e1.Sequence, e2.Sequence)
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(nil)
	defer sub.Unsubscribe()

	b.Publish(&model.RunEvent{RunID: "run1", Timestamp: time.Now()})
	b.Publish(&model.RunEvent{RunID: "run2", Timestamp: time.Now()})

	first := <-sub.Events()
	second := <-sub.Events()
	if first.RunID != "run1" || second.RunID != "run2" {
		t.Errorf("expected run1 then run2, got %s then %s", first.RunID, second.RunID)
	}
}

func TestUnsubscribeLeavesNoResidualSubscription(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(nil)
	sub.Unsubscribe()
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after Unsubscribe, got %d", b.SubscriberCount())
	}
	// Idempotent.
	sub.Unsubscribe()
}

func TestReadBacklogReplay(t *testing.T) {
	b := newTestBus()
	for i := 0; i < 12; i++ {
		b.Publish(&model.RunEvent{RunID: "run1", Timestamp: time.Now()})
	}
	first := b.ReadBacklog(0, 500)
	if len(first.Events) != 12 || first.LastDeliveryID != 12 || first.HasMore {
		t.Fatalf("unexpected initial backlog read: %+v", first)
	}

	b.Publish(&model.RunEvent{RunID: "run1", Timestamp: time.Now()})
	b.Publish(&model.RunEvent{RunID: "run1", Timestamp: time.Now()})

	second := b.ReadBacklog(12, 500)
	if len(second.Events) != 2 {
		t.Fatalf("expected 2 new events, got %d", len(second.Events))
	}
	if second.LastDeliveryID != 14 || second.HasMore {
		t.Fatalf("unexpected replay result: %+v", second)
	}

	// Same afterDeliveryId=L read again after more publishes returns a
	// superset with identical prefix ordering.
	b.Publish(&model.RunEvent{RunID: "run1", Timestamp: time.Now()})
	third := b.ReadBacklog(12, 500)
	if len(third.Events) != 3 {
		t.Fatalf("expected 3 events on repeat read, got %d", len(third.Events))
	}
	for i := range second.Events {
		if third.Events[i].DeliveryID != second.Events[i].DeliveryID {
			t.Errorf("prefix ordering changed at index %d", i)
		}
	}
}

func TestBackpressureDropsDeliveryButKeepsBacklog(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(nil)
	defer sub.Unsubscribe()

	// Flood past the subscriber's bounded channel without draining it.
	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		b.Publish(&model.RunEvent{RunID: "run1", Timestamp: time.Now()})
	}

	result := b.ReadBacklog(0, 500)
	if len(result.Events) == 0 {
		t.Fatal("expected backlog to remain readable despite subscriber backpressure")
	}
}

func TestProjectHarnessChunkStructuredFrame(t *testing.T) {
	raw := []byte(`{"marker":"agentsdashboard.harness-runtime-event.v1","status":"succeeded","category":"run.completed","schemaVersion":"2"}`)
	cat, schema, valid, structured, err := ProjectHarnessChunk(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !structured {
		t.Fatal("expected structured frame detection")
	}
	if cat != model.CategoryRunCompleted {
		t.Errorf("expected run.completed category, got %s", cat)
	}
	if schema != "2" {
		t.Errorf("expected schemaVersion 2, got %s", schema)
	}
	if !valid.OK() {
		t.Errorf("expected valid envelope, got errors: %v", valid.Errors)
	}
}

func TestProjectHarnessChunkPassthroughWithoutMarker(t *testing.T) {
	raw := []byte(`{"hello":"world"}`)
	cat, _, _, structured, err := ProjectHarnessChunk(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if structured {
		t.Fatal("expected passthrough for frame without marker")
	}
	if cat != model.CategoryPassthrough {
		t.Errorf("expected passthrough category, got %s", cat)
	}
}

func TestValidateEnvelopeRejectsMissingStatus(t *testing.T) {
	res := ValidateEnvelope(map[string]any{"marker": model.HarnessFrameMarker})
	if res.OK() {
		t.Fatal("expected validation error for missing status")
	}
}

func TestValidateEnvelopeWarnsOnUnknownKeyOnly(t *testing.T) {
	res := ValidateEnvelope(map[string]any{"status": "succeeded", "extra": "field"})
	if !res.OK() {
		t.Fatalf("unknown top-level keys should only warn, got errors: %v", res.Errors)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(res.Warnings))
	}
}
