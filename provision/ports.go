package provision

import (
	"fmt"
	"net"
	"strconv"
)

// pickPort scans the pool in order and returns the first candidate that
// is neither owned by a live handle nor bound at the OS level. The scan
// is authoritative: pool exhaustion is an error, never a wraparound onto
// a port some still-running sandbox may hold.
func (p *Provisioner) pickPort() (int, error) {
	owned := p.ownedPorts()
	for port := p.portMin; port <= p.portMax; port++ {
		if owned[port] {
			continue
		}
		if bindable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", ErrPortPoolExhausted, p.portMin, p.portMax)
}

func (p *Provisioner) ownedPorts() map[int]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	owned := make(map[int]bool, len(p.handles))
	for _, h := range p.handles {
		owned[h.port] = true
	}
	return owned
}

// bindable test-binds the port to rule out collisions with anything else
// listening on the host.
func bindable(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
