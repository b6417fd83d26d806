//go:build linux

package ratetrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTick_FirstSampleIsZeroRate(t *testing.T) {
	tr := New()
	rates := tr.Tick(0, []Sample{{PID: 1, Iface: "eth0", RxBytes: 1000, TxBytes: 500}})
	require.Len(t, rates, 1)
	assert.Equal(t, uint64(0), rates[0].RxRate, "no prior sample means no rate yet")
	assert.Equal(t, uint64(0), rates[0].TxRate)
}

func TestTick_SecondSampleDerivesRate(t *testing.T) {
	tr := New()
	tr.Tick(0, []Sample{{PID: 1, Iface: "eth0", RxBytes: 1000, TxBytes: 0}})
	rates := tr.Tick(1, []Sample{{PID: 1, Iface: "eth0", RxBytes: 2000, TxBytes: 0}})

	require.Len(t, rates, 1)
	assert.Equal(t, uint64(1000), rates[0].RxRate, "1000 bytes over 1 second")
}

func TestTick_RateClampedNonNegative(t *testing.T) {
	tr := New()
	tr.Tick(0, []Sample{{PID: 1, Iface: "eth0", RxBytes: 5000}})
	// Counter went backwards (e.g. process restarted); DeltaU64 treats this
	// as zero delta rather than negative.
	rates := tr.Tick(1, []Sample{{PID: 1, Iface: "eth0", RxBytes: 100}})

	require.Len(t, rates, 1)
	assert.Equal(t, uint64(0), rates[0].RxRate)
}

func TestTick_PerInterfaceIsolation(t *testing.T) {
	tr := New()
	tr.Tick(0, []Sample{
		{PID: 1, Iface: "eth0", RxBytes: 1000},
		{PID: 1, Iface: "wlan0", RxBytes: 2000},
	})
	rates := tr.Tick(1, []Sample{
		{PID: 1, Iface: "eth0", RxBytes: 1500},
		{PID: 1, Iface: "wlan0", RxBytes: 2100},
	})

	byIface := map[string]Rates{}
	for _, r := range rates {
		byIface[r.Iface] = r
	}
	assert.Equal(t, uint64(500), byIface["eth0"].RxRate)
	assert.Equal(t, uint64(100), byIface["wlan0"].RxRate)
}

func TestTick_TotalsSumAcrossInterfaces(t *testing.T) {
	tr := New()
	rates := tr.Tick(0, []Sample{
		{PID: 7, Iface: "eth0", RxBytes: 300, TxBytes: 10},
		{PID: 7, Iface: "wlan0", RxBytes: 700, TxBytes: 20},
	})
	for _, r := range rates {
		assert.Equal(t, uint64(1000), r.TotalRx)
		assert.Equal(t, uint64(30), r.TotalTx)
	}
}

func TestWindow_RetainsRollingHistory(t *testing.T) {
	tr := New()
	var bytes uint64
	for i := 0; i < 65; i++ {
		bytes += 100
		tr.Tick(float64(i), []Sample{{PID: 1, Iface: "eth0", RxBytes: bytes}})
	}

	window := tr.Window(1, "eth0", true)
	assert.LessOrEqual(t, len(window), windowDepth, "window must not exceed its depth cap")
	assert.Equal(t, windowDepth, len(window), "after 65 ticks the window should be full")
}

func TestWindow_UnknownProcessReturnsNil(t *testing.T) {
	tr := New()
	assert.Nil(t, tr.Window(999, "eth0", true))
}

func TestInterfaceRate_SumsAcrossProcessesSharingInterface(t *testing.T) {
	tr := New()
	tr.Tick(0, []Sample{
		{PID: 1, Iface: "eth0", RxBytes: 1000},
		{PID: 2, Iface: "eth0", RxBytes: 500},
	})
	rates := tr.Tick(1, []Sample{
		{PID: 1, Iface: "eth0", RxBytes: 1300},
		{PID: 2, Iface: "eth0", RxBytes: 900},
	})

	rx, _ := tr.InterfaceRate("eth0")
	assert.Equal(t, uint64(700), rx, "300 from pid 1 plus 400 from pid 2")

	for _, r := range rates {
		if r.PID == 1 {
			assert.Equal(t, uint64(300), r.RxRate)
		}
		if r.PID == 2 {
			assert.Equal(t, uint64(400), r.RxRate)
		}
	}
}

func TestInterfaceRate(t *testing.T) {
	tr := New()
	tr.Tick(0, []Sample{{PID: 1, Iface: "eth0", RxBytes: 1000, TxBytes: 200}})
	tr.Tick(1, []Sample{{PID: 1, Iface: "eth0", RxBytes: 3000, TxBytes: 700}})

	rx, tx := tr.InterfaceRate("eth0")
	assert.Equal(t, uint64(2000), rx)
	assert.Equal(t, uint64(500), tx)
}

func TestInterfaceRate_UnknownInterface(t *testing.T) {
	tr := New()
	rx, tx := tr.InterfaceRate("doesnotexist")
	assert.Equal(t, uint64(0), rx)
	assert.Equal(t, uint64(0), tx)
}

func TestForget_RemovesProcessCounters(t *testing.T) {
	tr := New()
	tr.Tick(0, []Sample{{PID: 1, Iface: "eth0", RxBytes: 1000}})
	tr.Forget(1)
	assert.Nil(t, tr.Window(1, "eth0", true))
}
