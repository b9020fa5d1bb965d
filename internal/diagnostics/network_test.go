package diagnostics

import (
	"errors"
	"net"
	"testing"
)

func TestDetectNetwork(t *testing.T) {
	orig := listInterfaces
	t.Cleanup(func() {
		listInterfaces = orig
	})

	listInterfaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagMulticast | net.FlagLoopback},
			{Name: "eth0", Flags: net.FlagUp | net.FlagMulticast},
			{Name: "eth1", Flags: net.FlagMulticast},
		}, nil
	}

	report := DetectNetwork()
	if len(report.Interfaces) != 3 {
		t.Fatalf("expected 3 interfaces, got %d", len(report.Interfaces))
	}
	if !report.MulticastCapable {
		t.Fatal("expected eth0 to make the host multicast capable")
	}
	if report.Error != "" {
		t.Fatalf("unexpected error: %s", report.Error)
	}
}

func TestDetectNetworkLoopbackOnly(t *testing.T) {
	orig := listInterfaces
	t.Cleanup(func() {
		listInterfaces = orig
	})

	listInterfaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagMulticast | net.FlagLoopback},
		}, nil
	}

	report := DetectNetwork()
	if report.MulticastCapable {
		t.Fatal("loopback alone must not count as multicast capable")
	}
}

func TestDetectNetworkError(t *testing.T) {
	orig := listInterfaces
	t.Cleanup(func() {
		listInterfaces = orig
	})

	listInterfaces = func() ([]net.Interface, error) {
		return nil, errors.New("netlink unavailable")
	}

	report := DetectNetwork()
	if report.Error != "netlink unavailable" {
		t.Fatalf("unexpected error field: %q", report.Error)
	}
	if report.MulticastCapable {
		t.Fatal("expected MulticastCapable to be false on error")
	}
}
