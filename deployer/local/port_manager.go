package local

import (
	"fmt"
	"net"
	"sync"
)

// PortManager hands out free TCP ports from a fixed range. Ports it has
// handed out are not offered again until released, so instances launched
// back to back never race for the same port before binding it.
type PortManager struct {
	mu            sync.Mutex
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
}

// NewPortManager creates a PortManager for [minPort, maxPort].
func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
	}, nil
}

// AllocatePort returns a port in range that is not handed out and that the
// host currently lets us listen on.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for tried := 0; tried <= pm.maxPort-pm.minPort; tried++ {
		port := pm.nextCandidate

		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}

		if pm.allocated[port] {
			continue
		}

		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		l.Close()
		pm.allocated[port] = true
		return port, nil
	}

	return 0, fmt.Errorf("no available ports in range [%d-%d]", pm.minPort, pm.maxPort)
}

// ReleasePort makes a previously allocated port available again. Ports
// outside the managed range are ignored.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if port < pm.minPort || port > pm.maxPort {
		return
	}
	delete(pm.allocated, port)
}

// Allocated reports whether port is currently handed out.
func (pm *PortManager) Allocated(port int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.allocated[port]
}
