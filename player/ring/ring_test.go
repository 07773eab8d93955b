package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"slaveclock/player/seq"
)

func TestRequiredSlots(t *testing.T) {
	// latency=88200, offset=0, frame_samples=352 -> ceil(88200/352)+10
	got := RequiredSlots(88200, 0, 352)
	require.Equal(t, 251+10, got)
}

func TestSlotAddressing(t *testing.T) {
	r := New(8, 352)
	require.Equal(t, 8, r.Size())
	a := r.Slot(3)
	b := r.Slot(3 + 8)
	require.Same(t, a, b, "address mapping must wrap modulo N")
}

func TestResetClearsState(t *testing.T) {
	r := New(8, 352)
	r.Lock()
	r.Slot(0).Ready = true
	r.FlushRequested = true
	r.FlushTS = 42
	r.Reset(100)
	require.False(t, r.Slot(0).Ready)
	require.Equal(t, seq.Num(100), r.ABRead)
	require.Equal(t, seq.Num(100), r.ABWrite)
	require.True(t, r.Buffering)
	require.False(t, r.Synced)
	require.False(t, r.FlushRequested)
	r.Unlock()
}

func TestFilledInvariant(t *testing.T) {
	r := New(8, 352)
	r.Lock()
	r.ABRead = 0
	r.ABWrite = 8
	require.NoError(t, r.CheckInvariant())
	r.ABWrite = 9
	require.Error(t, r.CheckInvariant())
	r.Unlock()
}

func TestAnchorSeqlockRoundTrip(t *testing.T) {
	var box AnchorBox
	a := Anchor{RefTS: 10000, RefLocalTime: 123456, RefRemoteTime: 654321}
	box.Store(a)
	got := box.Load()
	require.Equal(t, a, got)
	require.True(t, got.Locked())
}

func TestAnchorUnlockedBeforeStore(t *testing.T) {
	var box AnchorBox
	require.False(t, box.Load().Locked())
}
