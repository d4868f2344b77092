package history

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func entry(i int) Entry {
	return Entry{
		Time:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
		Message:  fmt.Sprintf("line %d", i),
		Category: CategoryInfo,
	}
}

func TestRing_AppendAndEntries(t *testing.T) {
	r := NewRing(3)
	r.Append(entry(1))
	r.Append(entry(2))

	got := r.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "line 1", got[0].Message)
	assert.Equal(t, "line 2", got[1].Message)
}

func TestRing_EmptyEntriesNotNil(t *testing.T) {
	r := NewRing(3)
	assert.NotNil(t, r.Entries())
	assert.Empty(t, r.Entries())
}

func TestRing_EvictsOldestAtCapacity(t *testing.T) {
	r := NewRing(DefaultCapacity)
	for i := 1; i <= DefaultCapacity+1; i++ {
		r.Append(entry(i))
	}

	got := r.Entries()
	require.Len(t, got, DefaultCapacity)
	assert.Equal(t, "line 2", got[0].Message)
	assert.Equal(t, fmt.Sprintf("line %d", DefaultCapacity+1), got[DefaultCapacity-1].Message)
}

func TestRing_EntriesIsCopy(t *testing.T) {
	r := NewRing(2)
	r.Append(entry(1))
	got := r.Entries()
	got[0].Message = "mutated"
	assert.Equal(t, "line 1", r.Entries()[0].Message)
}

func TestRing_ResetKeepsNewest(t *testing.T) {
	r := NewRing(2)
	r.Append(entry(9))
	r.Reset([]Entry{entry(1), entry(2), entry(3)})

	got := r.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "line 2", got[0].Message)
	assert.Equal(t, "line 3", got[1].Message)
}

func TestNewRing_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRing(0) })
}

func TestEntry_MarshalJSON(t *testing.T) {
	e := Entry{
		Time:     time.Date(2024, 1, 1, 9, 5, 7, 0, time.UTC),
		Message:  "Spawned in game",
		Category: CategorySuccess,
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"[09:05:07] Spawned in game","type":"success"}`, string(data))
}

func TestCategory_Valid(t *testing.T) {
	for _, c := range []Category{CategoryInfo, CategorySystem, CategorySuccess, CategoryError, CategoryChat, CategoryInput} {
		assert.True(t, c.Valid(), "category %q should be valid", c)
	}
	assert.False(t, Category("warn").Valid())
	assert.False(t, Category("").Valid())
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello world", StripANSI("\x1b[31mhello\x1b[0m \x1b[1;32mworld\x1b[m"))
	assert.Equal(t, "plain", StripANSI("plain"))
}

// Property: the ring never exceeds capacity and always holds the newest entries in order.
func TestPropertyRingKeepsNewestInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		n := rapid.IntRange(0, 60).Draw(t, "appends")

		r := NewRing(capacity)
		for i := 0; i < n; i++ {
			r.Append(entry(i))
			if r.Len() > capacity {
				t.Fatalf("len %d exceeds capacity %d", r.Len(), capacity)
			}
		}

		got := r.Entries()
		want := min(n, capacity)
		if len(got) != want {
			t.Fatalf("expected %d entries, got %d", want, len(got))
		}
		for i, e := range got {
			expected := fmt.Sprintf("line %d", n-want+i)
			if e.Message != expected {
				t.Fatalf("entry %d = %q, want %q", i, e.Message, expected)
			}
		}
	})
}
