package dedup

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestDeduplicator_SeenAfterMark(t *testing.T) {
	d := New(time.Minute, 10, newClock().Now)

	assert.False(t, d.Seen("e1"))
	d.Mark("e1")
	assert.True(t, d.Seen("e1"))
	assert.False(t, d.Seen(""))
}

func TestDeduplicator_ExpiresAfterTTL(t *testing.T) {
	clock := newClock()
	d := New(time.Minute, 10, clock.Now)

	d.Mark("e1")
	clock.Advance(30 * time.Second)
	d.Mark("e2")
	clock.Advance(31 * time.Second)

	assert.False(t, d.Seen("e1"))
	assert.True(t, d.Seen("e2"))
	assert.Equal(t, 1, d.Len())
}

func TestDeduplicator_SizeCapEvictsOldest(t *testing.T) {
	clock := newClock()
	d := New(time.Hour, 3, clock.Now)

	for i := 0; i < 5; i++ {
		d.Mark(fmt.Sprintf("e%d", i))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 3, d.Len())
	assert.False(t, d.Seen("e0"))
	assert.False(t, d.Seen("e1"))
	assert.True(t, d.Seen("e4"))
}

func TestDeduplicator_PrunesByAgeBeforeSize(t *testing.T) {
	clock := newClock()
	d := New(time.Minute, 2, clock.Now)

	d.Mark("old")
	clock.Advance(2 * time.Minute)
	d.Mark("a")
	d.Mark("b")

	assert.True(t, d.Seen("a"))
	assert.True(t, d.Seen("b"))
	assert.Equal(t, 2, d.Len())
}

func TestDeduplicator_RemarkRefreshesAge(t *testing.T) {
	clock := newClock()
	d := New(time.Minute, 2, clock.Now)

	d.Mark("a")
	d.Mark("b")
	d.Mark("a")
	d.Mark("c")

	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
}

func TestEchoTracker_ConsumesMatchingWriteOnce(t *testing.T) {
	clock := newClock()
	e := NewEchoTracker(time.Minute, clock.Now)

	e.Track("t1", "r1", map[string]any{"qty": 1, "name": "x"}, nil, clock.Now())

	assert.True(t, e.Consume("t1", "r1", map[string]any{"qty": "1", "name": "x"}, nil))
	assert.False(t, e.Consume("t1", "r1", map[string]any{"qty": 1}, nil))
	assert.Zero(t, e.Len())
}

func TestEchoTracker_DifferentValueIsNotEcho(t *testing.T) {
	clock := newClock()
	e := NewEchoTracker(time.Minute, clock.Now)

	e.Track("t1", "r1", map[string]any{"qty": 1}, nil, clock.Now())

	assert.False(t, e.Consume("t1", "r1", map[string]any{"qty": 2}, nil))
	assert.False(t, e.Consume("t1", "r2", map[string]any{"qty": 1}, nil))
	assert.False(t, e.Consume("t1", "r1", map[string]any{"qty": 1, "extra": true}, nil))
	assert.Equal(t, 1, e.Len())
}

func TestEchoTracker_WindowExpiry(t *testing.T) {
	clock := newClock()
	e := NewEchoTracker(10*time.Second, clock.Now)

	e.Track("t1", "r1", map[string]any{"a": "b"}, nil, clock.Now())
	clock.Advance(11 * time.Second)

	assert.False(t, e.Consume("t1", "r1", map[string]any{"a": "b"}, nil))
	assert.Zero(t, e.Len())
}

func TestEchoTracker_Nullify(t *testing.T) {
	clock := newClock()
	e := NewEchoTracker(time.Minute, clock.Now)

	e.Track("t1", "r1", nil, []string{"a", "b"}, clock.Now())

	assert.False(t, e.Consume("t1", "r1", nil, []string{"c"}))
	assert.True(t, e.Consume("t1", "r1", nil, []string{"a"}))
	assert.False(t, e.Consume("t1", "r1", nil, nil))
}

func TestEchoTracker_ForgetOverwrittenFields(t *testing.T) {
	clock := newClock()
	e := NewEchoTracker(time.Minute, clock.Now)

	e.Track("t1", "r1", map[string]any{"a": 1, "b": 1}, nil, clock.Now())
	e.Track("t1", "r1", map[string]any{"a": 2}, []string{"c"}, clock.Now())

	e.Forget("t1", "r1", []string{"a"})
	e.Forget("t1", "r1", nil)
	e.Forget("t1", "other", []string{"b"})

	assert.Equal(t, 2, e.Len())
	assert.False(t, e.Consume("t1", "r1", map[string]any{"a": 1}, nil))
	assert.False(t, e.Consume("t1", "r1", map[string]any{"a": 2}, nil))
	assert.True(t, e.Consume("t1", "r1", map[string]any{"b": 1}, nil))

	e.Forget("t1", "r1", []string{"c"})
	assert.Zero(t, e.Len())
}

func TestEchoTracker_UntrackDropsOnlyThatWrite(t *testing.T) {
	clock := newClock()
	e := NewEchoTracker(time.Minute, clock.Now)

	untrack := e.Track("t1", "r1", map[string]any{"a": 1}, nil, clock.Now())
	e.Track("t1", "r1", map[string]any{"a": 1}, nil, clock.Now())

	untrack()
	untrack()
	assert.Equal(t, 1, e.Len())
	assert.True(t, e.Consume("t1", "r1", map[string]any{"a": 1}, nil))
	assert.Zero(t, e.Len())
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		a, b any
		want bool
	}{
		{1, float64(1), true},
		{"1", 1, true},
		{"1.0", float64(1), true},
		{json.Number("42"), 42, true},
		{true, "true", true},
		{false, "true", false},
		{"abc", "abc", true},
		{"abc", "abd", false},
		{nil, nil, true},
		{nil, "", false},
		{"", nil, false},
		{map[string]any{"a": 1}, map[string]any{"a": "1"}, true},
		{map[string]any{"a": 1}, map[string]any{"b": 1}, false},
		{[]any{1, "x"}, []any{float64(1), "x"}, true},
		{[]any{1}, []any{1, 2}, false},
		{"1", true, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ValuesEqual(tc.a, tc.b), "%#v vs %#v", tc.a, tc.b)
	}
}
