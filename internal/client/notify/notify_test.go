package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversToMatchingKinds(t *testing.T) {
	h := New()

	var records, all []Event
	h.Subscribe(func(ev Event) error { records = append(records, ev); return nil }, KindRecordChanged)
	h.Subscribe(func(ev Event) error { all = append(all, ev); return nil })

	h.Publish(Event{Kind: KindRecordChanged, TableID: "t", RecordID: "r"})
	h.Publish(Event{Kind: KindStateChanged})

	require.Len(t, records, 1)
	assert.Equal(t, "r", records[0].RecordID)
	assert.False(t, records[0].Time.IsZero())
	assert.Len(t, all, 2)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := New()
	calls := 0
	unsub := h.Subscribe(func(Event) error { calls++; return nil })

	h.Publish(Event{Kind: KindTableSynced})
	unsub()
	unsub()
	h.Publish(Event{Kind: KindTableSynced})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.Len())
}

func TestHub_FailingHandlerIsUnregistered(t *testing.T) {
	h := New()
	calls := 0
	h.Subscribe(func(Event) error { calls++; return errors.New("gone") })
	h.Subscribe(func(Event) error { return nil })

	h.Publish(Event{Kind: KindSyncDegraded})
	h.Publish(Event{Kind: KindSyncDegraded})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, h.Len())
}

func TestHub_HandlerMaySubscribeDuringPublish(t *testing.T) {
	h := New()
	h.Subscribe(func(Event) error {
		h.Subscribe(func(Event) error { return nil })
		return nil
	}, KindStateChanged)

	assert.NotPanics(t, func() { h.Publish(Event{Kind: KindStateChanged}) })
	assert.Equal(t, 2, h.Len())
}
