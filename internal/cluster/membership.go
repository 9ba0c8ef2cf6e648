package cluster

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"ringkv/internal/store"
)

// ErrMalformedDigest is returned for gossip payloads that cannot be merged.
var ErrMalformedDigest = errors.New("malformed membership digest")

// Replica is a single ring member.
type Replica struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
	Seed bool   `json:"seed"`
	Slot int    `json:"key"` // ring slot the replica occupies
}

// Address returns host:port.
func (r Replica) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Params are the cluster-wide ring constants handed out at registration.
type Params struct {
	Capacity int `json:"capacity"`
	N        int `json:"n"`
	W        int `json:"w"`
	R        int `json:"r"`
}

// Validate checks 1 <= W,R <= N <= Capacity.
func (p Params) Validate() error {
	if p.Capacity < 1 {
		return fmt.Errorf("capacity must be positive, got %d", p.Capacity)
	}
	if p.N < 1 || p.N > p.Capacity {
		return fmt.Errorf("n must be in [1, %d], got %d", p.Capacity, p.N)
	}
	if p.W < 1 || p.W > p.N {
		return fmt.Errorf("w must be in [1, %d], got %d", p.N, p.W)
	}
	if p.R < 1 || p.R > p.N {
		return fmt.Errorf("r must be in [1, %d], got %d", p.N, p.R)
	}
	return nil
}

// Digest is the membership state exchanged by gossip: the add log, the
// delete log and the details of every live replica.
type Digest struct {
	Added    []string           `json:"add"`
	Deleted  []string           `json:"delete"`
	Replicas map[string]Replica `json:"replicas"`
}

// Validate rejects digests that would leave the ring inconsistent: an added,
// not deleted id without details, or details pointing outside the ring.
func (d Digest) Validate(capacity int) error {
	deleted := make(map[string]struct{}, len(d.Deleted))
	for _, id := range d.Deleted {
		if id == "" {
			return fmt.Errorf("%w: empty id in delete log", ErrMalformedDigest)
		}
		deleted[id] = struct{}{}
	}
	for _, id := range d.Added {
		if id == "" {
			return fmt.Errorf("%w: empty id in add log", ErrMalformedDigest)
		}
		if _, gone := deleted[id]; gone {
			continue
		}
		rep, ok := d.Replicas[id]
		if !ok {
			return fmt.Errorf("%w: no details for replica %s", ErrMalformedDigest, id)
		}
		if rep.Slot < 0 || rep.Slot >= capacity {
			return fmt.Errorf("%w: replica %s at slot %d outside ring of %d", ErrMalformedDigest, id, rep.Slot, capacity)
		}
	}
	return nil
}

// GossipMessage is the body of POST /gossip: the sender's digest plus any
// hinted writes it holds for the receiver.
type GossipMessage struct {
	Digest
	Hints []store.Hint `json:"hintedData,omitempty"`
}
