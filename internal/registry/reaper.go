package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/real-rm/chatgateway/internal/constants"
	"github.com/real-rm/chatgateway/internal/metrics"
	"github.com/real-rm/chatgateway/internal/util"
)

// SweepResult summarizes one reaper pass
type SweepResult struct {
	// InactiveUsers are users whose whole session was closed for inactivity
	InactiveUsers []string
	// ClosedInactive counts connections closed because their owner was idle
	ClosedInactive int
	// StaleEvicted counts connections evicted because their socket was already closing or closed
	StaleEvicted int
	// RemovedSessions are users whose session disappeared during the pass
	RemovedSessions []string
}

// Sweep runs one idle-reaper pass at the given time.
//
// Sessions idle longer than the inactivity timeout have all their
// connections closed with a normal close and reason "inactive", and are
// removed. Connections of other sessions whose socket is already closing
// or closed are evicted. Unbound connections are treated the same way on
// their own activity. Removal is idempotent with a concurrent Unregister.
func (r *Registry) Sweep(now time.Time) SweepResult {
	var result SweepResult
	var toClose []Conn

	r.mu.Lock()
	for userID, session := range r.users {
		if now.Sub(session.lastActivity) > r.limits.InactiveTimeout {
			for connID, e := range session.connections {
				delete(r.conns, connID)
				toClose = append(toClose, e.conn)
			}
			delete(r.users, userID)
			result.InactiveUsers = append(result.InactiveUsers, userID)
			result.RemovedSessions = append(result.RemovedSessions, userID)
			continue
		}

		for connID, e := range session.connections {
			if e.conn.State() == StateOpen {
				continue
			}
			result.StaleEvicted++
			if r.removeLocked(connID, e) {
				result.RemovedSessions = append(result.RemovedSessions, userID)
			}
		}
	}

	for connID, e := range r.conns {
		if e.userID != "" {
			continue
		}
		switch {
		case e.conn.State() != StateOpen:
			result.StaleEvicted++
			delete(r.conns, connID)
		case now.Sub(e.lastActivity) > r.limits.InactiveTimeout:
			delete(r.conns, connID)
			toClose = append(toClose, e.conn)
		}
	}

	metrics.WebSocketConnections.Set(float64(len(r.conns)))
	metrics.ActiveUsers.Set(float64(len(r.users)))
	r.mu.Unlock()

	for _, conn := range toClose {
		conn.Close(constants.CloseNormal, constants.CloseReasonInactive)
	}
	result.ClosedInactive = len(toClose)

	metrics.ConnectionsReaped.WithLabelValues("inactive").Add(float64(result.ClosedInactive))
	metrics.ConnectionsReaped.WithLabelValues("stale").Add(float64(result.StaleEvicted))

	return result
}

// Reaper runs Sweep on a fixed interval
type Reaper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(SweepResult)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates a reaper for reg. onSweep, when not nil, is called
// after every pass (used to clean up presence for removed sessions).
func NewReaper(reg *Registry, interval time.Duration, logger *slog.Logger, onSweep func(SweepResult)) *Reaper {
	return &Reaper{
		registry: reg,
		interval: interval,
		logger:   logger.With("component", "reaper"),
		onSweep:  onSweep,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop
func (rp *Reaper) Start() {
	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()
		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rp.runOnce()
			case <-rp.stop:
				return
			}
		}
	}()
	rp.logger.Info("Idle reaper started", "interval", rp.interval)
}

func (rp *Reaper) runOnce() {
	defer util.Recover(rp.logger, "reaper")

	result := rp.registry.Sweep(rp.registry.now())
	if len(result.InactiveUsers) > 0 || result.StaleEvicted > 0 {
		rp.logger.Info("Cleaned up inactive connections",
			"inactive_users", len(result.InactiveUsers),
			"closed_inactive", result.ClosedInactive,
			"stale_evicted", result.StaleEvicted)
	}
	if rp.onSweep != nil {
		rp.onSweep(result)
	}
}

// Stop ends the sweep loop and waits for it. Safe to call more than once.
func (rp *Reaper) Stop() {
	rp.stopOnce.Do(func() {
		close(rp.stop)
	})
	rp.wg.Wait()
}
