package verify

import "github.com/tutu-network/ziggurat/internal/domain"

// tally is the running vote count of one round. A network's vote is settled
// when it answered in this round, or agreed in any earlier round. A network
// that failed in this round can no longer vote in it.
type tally struct {
	round      int
	threshold  float64
	total      int
	configured []string
	votes      map[string]bool // network → agree
	failed     map[string]bool
}

func newTally(rec *domain.VerificationRecord, configured []string, threshold float64) *tally {
	t := &tally{
		round:      rec.Round,
		threshold:  threshold,
		total:      len(configured),
		configured: configured,
		votes:      make(map[string]bool, len(configured)),
		failed:     make(map[string]bool),
	}
	known := make(map[string]bool, len(configured))
	for _, id := range configured {
		known[id] = true
	}
	for _, a := range rec.Attestations {
		if known[a.NetworkID] {
			t.add(a)
		}
	}
	return t
}

// add folds one stored or arriving attestation into the count. Failures seen
// on the stored record are ignored so that the network is asked again.
func (t *tally) add(a domain.Attestation) {
	if !a.Answered() {
		return
	}
	if a.Round == t.round || a.Agree {
		t.votes[a.NetworkID] = a.Agree
		delete(t.failed, a.NetworkID)
	}
}

// fail marks a network that errored or timed out during this round.
func (t *tally) fail(network string) {
	if _, ok := t.votes[network]; !ok {
		t.failed[network] = true
	}
}

func (t *tally) agreeCount() int {
	n := 0
	for _, agree := range t.votes {
		if agree {
			n++
		}
	}
	return n
}

// pendingNetworks returns the configured networks without a settled vote.
func (t *tally) pendingNetworks() map[string]bool {
	out := make(map[string]bool)
	for _, id := range t.configured {
		if _, ok := t.votes[id]; !ok {
			out[id] = true
		}
	}
	return out
}

// reached reports whether agreeing votes meet the threshold over all
// configured networks.
func (t *tally) reached() bool {
	if t.total == 0 {
		return false
	}
	return float64(t.agreeCount())/float64(t.total) >= t.threshold
}

// decided reports whether the outcome is already fixed: either the threshold
// is met, or it cannot be met even if every open network agrees.
func (t *tally) decided() (done, consensus bool) {
	if t.reached() {
		return true, true
	}
	open := t.total - len(t.votes) - len(t.failed)
	if float64(t.agreeCount()+open)/float64(t.total) < t.threshold {
		return true, false
	}
	return false, false
}
