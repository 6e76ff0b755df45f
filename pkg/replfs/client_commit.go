package replfs

import (
	"fmt"
	"net/netip"
	"slices"
)

// Commit makes every staged write durable on all replicas or on none of
// them. The first phase makes sure that each replica holds every write of the
// range, retransmitting the ones reported missing; the second phase applies
// them. On failure the staged writes are kept.
func (c *Client) Commit(handle FileHandle) error {
	s, err := c.checkSession(handle)
	if err != nil {
		return err
	}

	if s.log.IsEmpty() {
		return nil
	}

	r := CommitRange{
		Handle: handle,
		From:   s.log.FirstWriteId(),
		To:     s.log.LastWriteId(),
	}

	defer func() {
		s.state = SessionStateOpen
	}()

	c.Log.Debug(1, "committing %v", r)

	s.state = SessionStateTryCommit

	if err := c.tryCommit(s, r); err != nil {
		return err
	}

	s.state = SessionStateCommit

	if err := c.commit(r); err != nil {
		return err
	}

	s.log.Clear()

	c.Log.Debug(1, "committed %v", r)

	return nil
}

func (c *Client) tryCommit(s *clientSession, r CommitRange) error {
	var nbReady int

	for round := 1; round <= c.Cfg.MaxRounds; round++ {
		successes := make(map[netip.AddrPort]bool)
		failures := make(map[netip.AddrPort]bool)
		missing := make(map[WriteId]struct{})

		onReply := func(sender netip.AddrPort, msg Msg) {
			switch m := msg.(type) {
			case *MsgTryCommitSuccess:
				if m.CommitRange == r {
					successes[sender] = true
					delete(failures, sender)
				}

			case *MsgTryCommitFail:
				if m.CommitRange == r && !successes[sender] {
					failures[sender] = true

					for _, wid := range m.Missing {
						missing[wid] = struct{}{}
					}
				}
			}
		}

		complete := func() bool {
			return len(successes)+len(failures) == len(c.replicas)
		}

		if err := c.round(&MsgTryCommit{CommitRange: r}, onReply,
			complete); err != nil {
			return err
		}

		nbReady = len(successes)
		if nbReady == len(c.replicas) {
			return nil
		}

		c.Log.Debug(1, "try-commit round %d: %d/%d replicas ready, "+
			"%d writes missing", round, nbReady, len(c.replicas), len(missing))

		c.retransmit(s, missing)
	}

	return fmt.Errorf("%w: %d/%d replicas ready after %d rounds",
		ErrCommitFailed, nbReady, len(c.replicas), c.Cfg.MaxRounds)
}

func (c *Client) retransmit(s *clientSession, missing map[WriteId]struct{}) {
	wids := make([]WriteId, 0, len(missing))
	for wid := range missing {
		wids = append(wids, wid)
	}

	slices.Sort(wids)

	for _, wid := range wids {
		record, found := s.log.Get(wid)
		if !found {
			c.Log.Error("cannot retransmit unknown write %d", wid)
			continue
		}

		c.sendWrite(record)
	}
}

func (c *Client) commit(r CommitRange) error {
	successes := make(map[netip.AddrPort]bool)
	var failedReplica netip.AddrPort
	failed := false

	onReply := func(sender netip.AddrPort, msg Msg) {
		switch m := msg.(type) {
		case *MsgCommitSuccess:
			if m.CommitRange == r {
				successes[sender] = true
			}

		case *MsgCommitFail:
			if m.CommitRange == r {
				failedReplica = sender
				failed = true
			}
		}
	}

	complete := func() bool {
		return failed || len(successes) == len(c.replicas)
	}

	for round := 1; round <= c.Cfg.MaxRounds; round++ {
		if err := c.round(&MsgCommit{CommitRange: r}, onReply,
			complete); err != nil {
			return err
		}

		if failed {
			return fmt.Errorf("%w: replica %v rejected %v", ErrCommitFailed,
				failedReplica, r)
		}

		if len(successes) == len(c.replicas) {
			return nil
		}
	}

	return fmt.Errorf("%w: %d/%d replicas committed after %d rounds",
		ErrCommitFailed, len(successes), len(c.replicas), c.Cfg.MaxRounds)
}
