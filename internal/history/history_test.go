package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

func ref(id string) protocol.DeviceRef {
	return protocol.DeviceRef{ID: id, Name: "name-" + id, Type: "desktop"}
}

func TestStore_AppendWritesBothDirections(t *testing.T) {
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := s.Append(ref("a"), ref("b"), now)
	require.NotEmpty(t, ev.ID)

	forA := s.Recent("a", DefaultDeliveryLimit)
	forB := s.Recent("b", DefaultDeliveryLimit)
	require.Len(t, forA, 1)
	require.Len(t, forB, 1)

	require.Equal(t, "b", forA[0].ConnectedTo.ID)
	require.Equal(t, "a", forB[0].ConnectedTo.ID)
	require.Equal(t, ev.ID, forA[0].ID)
	require.Equal(t, ev.ID, forB[0].ID)
	require.Equal(t, "a", forA[0].Device1.ID)
	require.Equal(t, "b", forA[0].Device2.ID)
	require.Equal(t, protocol.HistoryStatusConnected, forA[0].Status)
	require.Nil(t, forA[0].Duration)
	require.True(t, forA[0].Timestamp.Equal(now))
}

func TestStore_RecentUnknownIsEmpty(t *testing.T) {
	s := New()
	got := s.Recent("nobody", DefaultDeliveryLimit)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestStore_RecentTruncatesMostRecentLast(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		s.Append(ref("a"), ref(fmt.Sprintf("p%d", i)), base.Add(time.Duration(i)*time.Second))
	}

	got := s.Recent("a", 10)
	require.Len(t, got, 10)
	require.Equal(t, "p5", got[0].ConnectedTo.ID)
	require.Equal(t, "p14", got[9].ConnectedTo.ID)

	// Storage itself is not capped.
	require.Equal(t, 15, s.Len("a"))
}

func TestStore_RecentReturnsCopy(t *testing.T) {
	s := New()
	s.Append(ref("a"), ref("b"), time.Now())

	got := s.Recent("a", 10)
	got[0].Status = "mutated"

	require.Equal(t, protocol.HistoryStatusConnected, s.Recent("a", 10)[0].Status)
}

func TestStore_SnapshotsAreDetached(t *testing.T) {
	s := New()
	b := ref("b")
	s.Append(ref("a"), b, time.Now())

	b.Name = "renamed"
	require.Equal(t, "name-b", s.Recent("a", 10)[0].ConnectedTo.Name)
}
