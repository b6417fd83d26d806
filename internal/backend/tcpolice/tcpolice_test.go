//go:build linux

package tcpolice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

type fakeLink struct{ attrs netlink.LinkAttrs }

func (f *fakeLink) Attrs() *netlink.LinkAttrs { return &f.attrs }
func (f *fakeLink) Type() string              { return "fake" }

type fakeNetlinkOps struct {
	linkErr error
	link    netlink.Link

	qdiscsAdded []netlink.Qdisc
	qdiscsDeled []netlink.Qdisc
	filterAdded []netlink.Filter
	filterDeled []netlink.Filter
}

func newFakeNetlinkOps(ifIndex int) *fakeNetlinkOps {
	return &fakeNetlinkOps{link: &fakeLink{attrs: netlink.LinkAttrs{Index: ifIndex, Name: "eth0"}}}
}

func (f *fakeNetlinkOps) LinkByName(name string) (netlink.Link, error) {
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	return f.link, nil
}
func (f *fakeNetlinkOps) QdiscAdd(q netlink.Qdisc) error {
	f.qdiscsAdded = append(f.qdiscsAdded, q)
	return nil
}
func (f *fakeNetlinkOps) QdiscDel(q netlink.Qdisc) error {
	f.qdiscsDeled = append(f.qdiscsDeled, q)
	return nil
}
func (f *fakeNetlinkOps) FilterAdd(filt netlink.Filter) error {
	f.filterAdded = append(f.filterAdded, filt)
	return nil
}
func (f *fakeNetlinkOps) FilterDel(filt netlink.Filter) error {
	f.filterDeled = append(f.filterDeled, filt)
	return nil
}

func TestDescriptor_NotPerProcess(t *testing.T) {
	b := newWithOps("eth0", newFakeNetlinkOps(2))
	d := b.Descriptor()
	assert.Equal(t, "tcpolice", d.Name)
	assert.False(t, d.PerProcess)
}

func TestIsAvailable(t *testing.T) {
	ok := newWithOps("eth0", newFakeNetlinkOps(2))
	assert.True(t, ok.IsAvailable())

	missing := newWithOps("eth0", &fakeNetlinkOps{linkErr: errors.New("no such device")})
	assert.False(t, missing.IsAvailable())
}

func TestApply_InstallsQdiscAndFilterOnce(t *testing.T) {
	nl := newFakeNetlinkOps(3)
	b := newWithOps("eth0", nl)
	require.NoError(t, b.Init())

	require.NoError(t, b.Apply(1, model.ThrottleLimit{DownloadBps: 1000}))
	assert.Len(t, nl.qdiscsAdded, 1)
	assert.Len(t, nl.filterAdded, 1)

	require.NoError(t, b.Apply(2, model.ThrottleLimit{DownloadBps: 2000}))
	assert.Len(t, nl.qdiscsAdded, 1, "qdisc added only once")
	assert.Len(t, nl.filterAdded, 2, "second apply replaces the shared filter")
}

func TestApply_NoDownloadLimitIsNoop(t *testing.T) {
	nl := newFakeNetlinkOps(3)
	b := newWithOps("eth0", nl)
	require.NoError(t, b.Init())

	require.NoError(t, b.Apply(1, model.ThrottleLimit{UploadBps: 1000}))
	assert.Empty(t, nl.qdiscsAdded)
}

func TestRemove_LastCallerTearsDownFilter(t *testing.T) {
	nl := newFakeNetlinkOps(3)
	b := newWithOps("eth0", nl)
	require.NoError(t, b.Init())
	require.NoError(t, b.Apply(1, model.ThrottleLimit{DownloadBps: 1000}))
	require.NoError(t, b.Apply(2, model.ThrottleLimit{DownloadBps: 1000}))

	require.NoError(t, b.Remove(1))
	assert.Empty(t, nl.filterDeled, "filter persists while another pid still holds it")

	require.NoError(t, b.Remove(2))
	assert.Len(t, nl.filterDeled, 1, "filter torn down once the last caller lets go")
}

func TestRemove_UnknownPidIsIdempotent(t *testing.T) {
	b := newWithOps("eth0", newFakeNetlinkOps(3))
	assert.NoError(t, b.Remove(999))
}

func TestCleanup_RemovesIngressQdisc_Idempotent(t *testing.T) {
	nl := newFakeNetlinkOps(3)
	b := newWithOps("eth0", nl)
	require.NoError(t, b.Init())
	require.NoError(t, b.Apply(1, model.ThrottleLimit{DownloadBps: 1000}))

	require.NoError(t, b.Cleanup())
	assert.Len(t, nl.qdiscsDeled, 1)

	require.NoError(t, b.Cleanup())
	assert.Len(t, nl.qdiscsDeled, 1, "second cleanup is a no-op")
}
