package usage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func evt(container, blob, user string, offset time.Duration) AccessEvent {
	return AccessEvent{Container: container, Blob: blob, UserID: user, Timestamp: t0.Add(offset)}
}

func TestAggregateGroupsByKey(t *testing.T) {
	deltas := Aggregate([]AccessEvent{
		evt("c1", "a.txt", "alice", 2*time.Second),
		evt("c1", "b.txt", "bob", time.Second),
		evt("c1", "a.txt", "bob", 0),
		evt("c1", "a.txt", "alice", 5*time.Second),
	}, 10)

	require.Len(t, deltas, 2)

	a := deltas[0]
	assert.Equal(t, "a.txt", a.Blob)
	assert.EqualValues(t, 3, a.TotalAccesses)
	assert.Equal(t, t0, a.FirstAccessed)
	assert.Equal(t, t0.Add(5*time.Second), a.LastAccessed)
	assert.Equal(t, []string{"alice", "bob"}, a.RecentUsers)

	b := deltas[1]
	assert.Equal(t, "b.txt", b.Blob)
	assert.EqualValues(t, 1, b.TotalAccesses)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, Aggregate(nil, 10))
}

func TestAggregateBoundsUsers(t *testing.T) {
	var events []AccessEvent
	for i := 0; i < 50; i++ {
		events = append(events, evt("c", "f", fmt.Sprintf("u%02d", i), time.Duration(i)*time.Second))
	}
	deltas := Aggregate(events, 5)
	require.Len(t, deltas, 1)
	assert.Equal(t, []string{"u45", "u46", "u47", "u48", "u49"}, deltas[0].RecentUsers)
}

func TestMergeNew(t *testing.T) {
	delta := MetricEntry{
		Container: "c", Blob: "f", TotalAccesses: 2,
		FirstAccessed: t0, LastAccessed: t0.Add(time.Minute),
		RecentUsers: []string{"alice"},
	}
	got := Merge(nil, delta, 10)
	assert.Equal(t, delta, got)

	got.RecentUsers[0] = "mallory"
	assert.Equal(t, "alice", delta.RecentUsers[0], "merge result must not alias delta")
}

func TestMergeExisting(t *testing.T) {
	existing := &MetricEntry{
		Container: "c", Blob: "f", TotalAccesses: 10,
		FirstAccessed: t0, LastAccessed: t0.Add(time.Hour),
		RecentUsers: []string{"u1", "u2", "u3"},
	}
	delta := MetricEntry{
		Container: "c", Blob: "f", TotalAccesses: 4,
		FirstAccessed: t0.Add(-time.Hour), LastAccessed: t0.Add(2 * time.Hour),
		RecentUsers: []string{"u2", "u4", "u5"},
	}

	got := Merge(existing, delta, 4)
	assert.EqualValues(t, 14, got.TotalAccesses)
	assert.Equal(t, t0, got.FirstAccessed, "first access is immutable once set")
	assert.Equal(t, t0.Add(2*time.Hour), got.LastAccessed)
	assert.Equal(t, []string{"u2", "u3", "u4", "u5"}, got.RecentUsers)
	assert.EqualValues(t, 10, existing.TotalAccesses, "existing must not be modified")
}

func TestMergeKeepsLatestLastAccessed(t *testing.T) {
	existing := &MetricEntry{Container: "c", Blob: "f", TotalAccesses: 1, FirstAccessed: t0, LastAccessed: t0.Add(time.Hour)}
	delta := MetricEntry{Container: "c", Blob: "f", TotalAccesses: 1, FirstAccessed: t0.Add(time.Minute), LastAccessed: t0.Add(time.Minute)}

	got := Merge(existing, delta, 10)
	assert.Equal(t, t0.Add(time.Hour), got.LastAccessed)
	assert.False(t, got.FirstAccessed.After(got.LastAccessed))
}

func TestAddRecentUsers(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		incoming []string
		max      int
		want     []string
	}{
		{"append", []string{"a"}, []string{"b"}, 5, []string{"a", "b"}},
		{"duplicate keeps position", []string{"a", "b"}, []string{"a"}, 5, []string{"a", "b"}},
		{"trim oldest", []string{"a", "b", "c"}, []string{"d"}, 3, []string{"b", "c", "d"}},
		{"unbounded", []string{"a"}, []string{"b", "c"}, 0, []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AddRecentUsers(tt.existing, tt.incoming, tt.max))
		})
	}
}

func TestValidateEvent(t *testing.T) {
	require.NoError(t, ValidateEvent("photos", "2025/a.jpg", "alice"))

	cases := map[string][3]string{
		"empty container": {"", "a", "u"},
		"slash container": {"a/b", "a", "u"},
		"empty blob":      {"c", " ", "u"},
		"empty user":      {"c", "a", ""},
		"control char":    {"c", "a\x00b", "u"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateEvent(in[0], in[1], in[2])
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
}

func TestSplitKey(t *testing.T) {
	c, b, err := SplitKey(Key("photos", "dir/a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "photos", c)
	assert.Equal(t, "dir/a.jpg", b)

	_, _, err = SplitKey("nokey")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestErrorClasses(t *testing.T) {
	assert.ErrorIs(t, ErrInvalidRange, ErrInvalidInput)
	assert.ErrorIs(t, ErrUnsupportedFormat, ErrInvalidInput)
	assert.NotErrorIs(t, ErrForbidden, ErrInvalidInput)
}
