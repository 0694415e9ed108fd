package sipmedia

import (
	"fmt"
	"net"
	"sync"
)

// portAllocator hands out RTP ports from a fixed range (§4.G RTP_PORT_RANGE),
// probing each candidate with a real bind so two concurrent calls never
// collide even if the cursor wraps before a port is released.
type portAllocator struct {
	mu     sync.Mutex
	min    int
	max    int
	cursor int
}

func newPortAllocator(min, max int) *portAllocator {
	return &portAllocator{min: min, max: max, cursor: min}
}

// Allocate returns a bound UDP connection on a free port in range.
// Callers get the already-open socket rather than a bare port number, so
// there is no gap between "port chosen" and "port bound" for another call
// to race into.
func (a *portAllocator) Allocate() (*net.UDPConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min + 1
	for i := 0; i < span; i++ {
		port := a.min + (a.cursor-a.min+i)%span
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			a.cursor = port + 1
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no free rtp port in range %d-%d", a.min, a.max)
}
