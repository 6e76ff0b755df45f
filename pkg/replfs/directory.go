package replfs

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// ReplicaSet is the sorted set of replica addresses found by discovery. It
// is never modified once built.
type ReplicaSet []netip.AddrPort

func NewReplicaSet(addrs []netip.AddrPort) ReplicaSet {
	set := slices.Clone(addrs)
	slices.SortFunc(set, netip.AddrPort.Compare)

	return slices.Compact(set)
}

func (s ReplicaSet) Contains(addr netip.AddrPort) bool {
	_, found := slices.BinarySearchFunc(s, addr, netip.AddrPort.Compare)
	return found
}

type DiscoveryCfg struct {
	Quorum         int
	AttemptTimeout time.Duration
	MaxAttempts    int
}

// Discover broadcasts Discover probes until DiscoveryAck messages from
// Quorum distinct senders have been collected. Acknowledgments are kept
// across attempts.
func Discover(t *Transport, cfg DiscoveryCfg) (ReplicaSet, error) {
	if cfg.Quorum <= 0 {
		return nil, fmt.Errorf("invalid quorum %d", cfg.Quorum)
	}

	replicas := make([]netip.AddrPort, 0, cfg.Quorum)
	seen := make(map[netip.AddrPort]struct{})

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		t.Log.Debug(1, "discovering replicas (attempt %d/%d, %d/%d found)",
			attempt, cfg.MaxAttempts, len(replicas), cfg.Quorum)

		if err := t.Send(&MsgDiscover{}); err != nil {
			t.Log.Error("%v", err)
		}

		deadline := time.Now().Add(cfg.AttemptTimeout)

		for len(replicas) < cfg.Quorum {
			msg, sender, err := t.Receive(deadline)
			if errors.Is(err, ErrTimeout) {
				break
			} else if err != nil {
				return nil, fmt.Errorf("cannot receive message: %w", err)
			}

			if _, ok := msg.(*MsgDiscoverAck); !ok {
				continue
			}

			if _, found := seen[sender]; found {
				continue
			}

			t.Log.Debug(1, "found replica %v", sender)

			seen[sender] = struct{}{}
			replicas = append(replicas, sender)
		}

		if len(replicas) >= cfg.Quorum {
			return NewReplicaSet(replicas), nil
		}
	}

	return nil, fmt.Errorf("%w: %d/%d replicas found after %d attempts",
		ErrServersUnavailable, len(replicas), cfg.Quorum, cfg.MaxAttempts)
}
