package store

// CheckQuickAbortIsReasonable decides whether losing the last local consumer
// should cancel an in-flight fetch. Pending local clients or collapsed
// readers in other workers always keep the fetch alive; beyond that, the
// tunable thresholds weigh how much of the object is still missing.
func (s *Controller) CheckQuickAbortIsReasonable(e *StoreEntry) bool {
	if e.pendingClients() > 0 {
		return false
	}
	if s.TransientReaders(e) > 0 {
		return false
	}
	if e.Status() != StatusPending {
		return false
	}
	if e.HasFlag(FlagSpecial) {
		return false
	}
	if e.HasFlag(FlagPrivate) {
		// Private responses are not reusable by anyone else.
		return true
	}

	e.mu.Lock()
	curlen := e.mem.endOffset()
	expectlen := e.objectLenLocked()
	e.mu.Unlock()

	if curlen == expectlen {
		return false
	}
	if expectlen < 0 {
		// Unknown length: finishing could take arbitrarily long.
		return true
	}

	qa := s.tunables.Load().QuickAbort
	if qa.MinKiB < 0 {
		return false
	}
	if curlen > expectlen {
		// Body already exceeds the advertised length; nothing about
		// this fetch is worth preserving.
		return true
	}
	remaining := expectlen - curlen
	if remaining < qa.MinKiB<<10 {
		return false
	}
	if remaining > qa.MaxKiB<<10 {
		return true
	}
	if expectlen < 100 {
		// Keeps the percentage math below away from division
		// anomalies on tiny responses.
		return false
	}
	if curlen/(expectlen/100) > qa.Pct {
		return false
	}
	return true
}

// noteClientGone re-evaluates an entry after a consumer detached and cancels
// the fetch when the heuristic says no one anywhere still needs it.
func (s *Controller) noteClientGone(e *StoreEntry) {
	if !s.CheckQuickAbortIsReasonable(e) {
		return
	}
	s.metrics.ObserveQuickAbort()
	s.logger.Debug("quick-abort cancelling fetch", "key", e.key.String())
	e.Abort()
}
