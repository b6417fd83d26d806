package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtoString(t *testing.T) {
	assert.Equal(t, "tcp", TCP.String())
	assert.Equal(t, "udp", UDP.String())
	assert.Equal(t, "tcp6", TCPv6.String())
	assert.Equal(t, "udp6", UDPv6.String())
	assert.Equal(t, "unknown", Proto(99).String())
}

func TestTrafficClassString(t *testing.T) {
	assert.Equal(t, "all", ClassAll.String())
	assert.Equal(t, "internet", ClassInternet.String())
	assert.Equal(t, "local", ClassLocal.String())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "upload", Upload.String())
	assert.Equal(t, "download", Download.String())
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "fallback", PriorityFallback.String())
	assert.Equal(t, "best", PriorityBest.String())
}

func TestThrottleLimit_HasDirection(t *testing.T) {
	l := ThrottleLimit{DownloadBps: 1000}
	assert.True(t, l.HasDownload())
	assert.False(t, l.HasUpload())

	l = ThrottleLimit{UploadBps: 500, DownloadBps: 500}
	assert.True(t, l.HasDownload())
	assert.True(t, l.HasUpload())

	assert.False(t, (ThrottleLimit{}).HasDownload())
}

func TestBackendDescriptor_SupportsClass(t *testing.T) {
	d := BackendDescriptor{
		Name:    "in-kernel",
		Classes: []TrafficClass{ClassAll, ClassInternet, ClassLocal},
	}
	assert.True(t, d.SupportsClass(ClassInternet))
	assert.True(t, d.SupportsClass(ClassLocal))

	onlyAll := BackendDescriptor{Classes: []TrafficClass{ClassAll}}
	assert.True(t, onlyAll.SupportsClass(ClassAll))
	assert.False(t, onlyAll.SupportsClass(ClassInternet))
}

func TestSentinelErrors_Wrappable(t *testing.T) {
	wrapped := fmt.Errorf("apply pid 123: %w", ErrNotSupported)
	assert.True(t, errors.Is(wrapped, ErrNotSupported))
	assert.False(t, errors.Is(wrapped, ErrPermissionDenied))
}
