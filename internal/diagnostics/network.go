package diagnostics

import "net"

var listInterfaces = net.Interfaces

type InterfaceStatus struct {
	Name      string `json:"name"`
	Up        bool   `json:"up"`
	Multicast bool   `json:"multicast"`
}

type NetworkReport struct {
	Interfaces       []InterfaceStatus `json:"interfaces"`
	MulticastCapable bool              `json:"multicast_capable"`
	Error            string            `json:"error,omitempty"`
}

// DetectNetwork reports whether any interface can carry SSDP multicast.
// Loopback interfaces never count; SSDP discovery over loopback finds
// nothing real.
func DetectNetwork() NetworkReport {
	ifaces, err := listInterfaces()
	if err != nil {
		return NetworkReport{Error: err.Error()}
	}

	report := NetworkReport{Interfaces: make([]InterfaceStatus, 0, len(ifaces))}
	for _, iface := range ifaces {
		status := InterfaceStatus{
			Name:      iface.Name,
			Up:        iface.Flags&net.FlagUp != 0,
			Multicast: iface.Flags&net.FlagMulticast != 0,
		}
		report.Interfaces = append(report.Interfaces, status)

		if status.Up && status.Multicast && iface.Flags&net.FlagLoopback == 0 {
			report.MulticastCapable = true
		}
	}
	return report
}
