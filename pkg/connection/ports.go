package connection

import (
	"fmt"
	"sync"
)

// PortRange bounds the local UDP ports media sessions may bind.
type PortRange struct {
	Min int
	Max int
}

// DefaultPortRange is the conventional dynamic RTP range.
func DefaultPortRange() PortRange {
	return PortRange{Min: 10000, Max: 20000}
}

// portAllocator hands out even/odd UDP port pairs (RTP on the even
// port, RTCP on the next odd one) round-robin from a configured range.
type portAllocator struct {
	portRange PortRange
	usedPairs map[int]bool
	mutex     sync.Mutex
	nextPort  int
}

func newPortAllocator(portRange PortRange) (*portAllocator, error) {
	if portRange.Min <= 0 || portRange.Max <= 0 {
		return nil, fmt.Errorf("invalid port range: %d-%d", portRange.Min, portRange.Max)
	}
	if portRange.Min >= portRange.Max {
		return nil, fmt.Errorf("port range min must be below max: %d >= %d", portRange.Min, portRange.Max)
	}

	first := portRange.Min
	if first%2 != 0 {
		first++
	}
	return &portAllocator{
		portRange: portRange,
		usedPairs: make(map[int]bool),
		nextPort:  first,
	}, nil
}

// AllocatePair returns a free (rtpPort, rtcpPort) pair, scanning from
// where the previous allocation left off so freshly released pairs are
// not immediately reused.
func (pa *portAllocator) AllocatePair() (rtpPort, rtcpPort int, err error) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()

	startPort := pa.nextPort
	for {
		candidate := pa.nextPort

		pa.nextPort += 2
		if pa.nextPort+1 > pa.portRange.Max {
			pa.nextPort = pa.portRange.Min
			if pa.nextPort%2 != 0 {
				pa.nextPort++
			}
		}

		if candidate+1 <= pa.portRange.Max && !pa.usedPairs[candidate] {
			pa.usedPairs[candidate] = true
			return candidate, candidate + 1, nil
		}

		if pa.nextPort == startPort {
			return 0, 0, fmt.Errorf("all port pairs in range %d-%d are in use", pa.portRange.Min, pa.portRange.Max)
		}
	}
}

// ReleasePair returns a pair to the pool.
func (pa *portAllocator) ReleasePair(rtpPort int) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	delete(pa.usedPairs, rtpPort)
}

// PairsInUse reports the number of allocated pairs.
func (pa *portAllocator) PairsInUse() int {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	return len(pa.usedPairs)
}
