// Package neighborhood implements the expiry sweep that backstops the
// action queue against a permanently unreachable neighbor: spec.md §4.5
// notes that persistent unreachability "blocks the whole queue for that
// peer until eventually a separate expiry sweep deletes unresponsive
// peers" without naming the operation; this package gives it a name and a
// concrete cadence, grounded on the teacher's periodic-ticker idiom
// (core/distributed_network_coordination.go).
package neighborhood

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/internal/store"
)

// Neighborhood sweeps the Neighbor table for peers that have gone stale.
type Neighborhood struct {
	st  *store.Store
	log *logrus.Logger
}

// New constructs a Neighborhood. log defaults to logrus.StandardLogger()
// when nil, matching the teacher's constructor convention.
func New(st *store.Store, log *logrus.Logger) *Neighborhood {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Neighborhood{st: st, log: log}
}

// SweepExpiredNeighbors deletes every Neighbor whose LastRefreshTime is
// older than olderThan, cascading to its cached NeighborIdentity rows and
// queued actions the same way RemoveNeighbor does. A Neighbor that has
// never completed its initial import (LastRefreshTime nil) is left alone:
// AddNeighbor's own hard-failure path already deletes it if the import is
// rejected outright, and otherwise it is still within its normal setup
// window, not yet "unresponsive".
func (n *Neighborhood) SweepExpiredNeighbors(olderThan time.Duration) (int, error) {
	neighbors, err := n.st.ListNeighbors()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, nb := range neighbors {
		if nb.LastRefreshTime == nil || !nb.LastRefreshTime.Before(cutoff) {
			continue
		}
		if err := n.st.DeleteNeighborIdentitiesByHost(nb.ServerID); err != nil {
			n.log.WithError(err).Warn("neighborhood: sweep cascade delete failed")
			continue
		}
		if err := n.st.DeleteNeighbor(nb.ServerID); err != nil {
			n.log.WithError(err).Warn("neighborhood: sweep delete neighbor failed")
			continue
		}
		if err := n.st.DeleteActionsForServer(nb.ServerID); err != nil {
			n.log.WithError(err).Warn("neighborhood: sweep delete actions failed")
			continue
		}
		removed++
	}
	return removed, nil
}

// Run starts a ticker that fires every interval and calls
// SweepExpiredNeighbors(olderThan) on every tick until stop is closed.
func (n *Neighborhood) Run(interval, olderThan time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			removed, err := n.SweepExpiredNeighbors(olderThan)
			if err != nil {
				n.log.WithError(err).Warn("neighborhood: sweep failed")
				continue
			}
			if removed > 0 {
				n.log.WithField("removed", removed).Info("neighborhood: swept expired neighbors")
			}
		}
	}
}
