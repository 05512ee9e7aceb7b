package iwd

import (
	"errors"
	"testing"

	"github.com/nikicat/iwd-harness/internal/faults"
	"github.com/nikicat/iwd-harness/internal/testutil"
	"github.com/nikicat/iwd-harness/internal/wait"
)

func TestP2PDiscoveryAndPeers(t *testing.T) {
	h, mock := openMock(t)
	ctx := testContext(t)
	path := mock.AddP2PDevice(testutil.P2PDeviceSpec{Name: "p2p0"})
	peerPath := mock.AddPeer(path, testutil.PeerSpec{
		Name:        "phone",
		Address:     "02:00:00:00:00:01",
		Category:    "telephone",
		Subcategory: "smartphone-dual",
		RSSI:        -4000,
	})

	devices, err := h.ListP2PDevices(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	p := devices[0]

	if err := p.SetEnabled(ctx, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	enabled := wait.Func("p2p enabled", p.Enabled)
	if err := h.WaitForObjectCondition(ctx, enabled, 0); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := p.SetDiscovery(ctx, true); err != nil {
			t.Fatalf("SetDiscovery(true): %v", err)
		}
	}
	if !p.DiscoveryRequested() || mock.DiscoveryRequests(path) != 1 {
		t.Errorf("discovery requested = %t, mock requests = %d", p.DiscoveryRequested(), mock.DiscoveryRequests(path))
	}

	peers, err := p.GetPeers(ctx)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].Path() != peerPath {
		t.Fatalf("peers = %v", peers)
	}
	peer := peers[0]
	if peer.Name() != "phone" || peer.Category() != "telephone" || peer.RSSI != -4000 {
		t.Errorf("peer = %s rssi %d", peer, peer.RSSI)
	}
	again, err := p.GetPeers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again[0] != peer {
		t.Error("GetPeers did not reuse the existing peer handle")
	}

	iface, ip, err := peer.Connect(ctx, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if iface != "p2p-wlan0-0" || ip != "192.168.1.2" {
		t.Errorf("Connect = %q, %q", iface, ip)
	}
	if err := peer.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	disconnected := wait.Not(wait.Func("peer connected", peer.Connected))
	if err := h.WaitForObjectCondition(ctx, disconnected, 0); err != nil {
		t.Fatal(err)
	}
	if err := peer.Disconnect(ctx); !errors.Is(err, faults.ErrNotConnected) {
		t.Errorf("second Disconnect = %v, want NotConnected", err)
	}

	if err := p.SetDiscovery(ctx, false); err != nil {
		t.Fatalf("SetDiscovery(false): %v", err)
	}
	if mock.DiscoveryRequests(path) != 0 {
		t.Error("discovery still requested")
	}
}

func TestP2PPeerPinConnect(t *testing.T) {
	h, mock := openMock(t)
	ctx := testContext(t)
	path := mock.AddP2PDevice(testutil.P2PDeviceSpec{Enabled: true})
	mock.AddPeer(path, testutil.PeerSpec{Name: "tv"})

	devices, err := h.ListP2PDevices(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	peers, err := devices[0].GetPeers(ctx)
	if err != nil || len(peers) != 1 {
		t.Fatalf("GetPeers = %v, %v", peers, err)
	}

	if _, _, err := peers[0].Connect(ctx, "99"); !errors.Is(err, faults.ErrInvalidFormat) {
		t.Errorf("Connect with bad PIN = %v, want InvalidFormat", err)
	}
	if _, _, err := peers[0].Connect(ctx, "12345670"); err != nil {
		t.Errorf("Connect with PIN: %v", err)
	}
}

func TestP2PDeviceRemoved(t *testing.T) {
	h, mock := openMock(t)
	ctx := testContext(t)
	path := mock.AddP2PDevice(testutil.P2PDeviceSpec{})
	if _, err := h.ListP2PDevices(ctx, 1, 0); err != nil {
		t.Fatal(err)
	}

	mock.RemoveP2PDevice(path)
	gone := wait.Func("p2p device removed", func() bool { return h.Registry().P2PLen() == 0 })
	if err := h.WaitForObjectCondition(ctx, gone, 0); err != nil {
		t.Fatal(err)
	}
}
