package conversation

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// liveStates keeps the latest committed state of recently active
// conversations so hot paths skip the store. Entries expire after the
// session timeout; a miss falls back to the store.
type liveStates struct {
	cache *cache.Cache
}

func newLiveStates(ttl time.Duration) *liveStates {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &liveStates{cache: cache.New(ttl, ttl/2)}
}

// save stores st; callers hand over ownership and must not mutate st afterward.
func (l *liveStates) save(st *State) {
	l.cache.Set(st.ID, st, cache.DefaultExpiration)
}

// get returns the committed state. It must be cloned before mutation.
func (l *liveStates) get(id string) (*State, bool) {
	if x, found := l.cache.Get(id); found {
		return x.(*State), true
	}
	return nil, false
}

func (l *liveStates) delete(id string) {
	l.cache.Delete(id)
}

// dropEndedBefore removes cached ended conversations whose last activity
// precedes cutoff.
func (l *liveStates) dropEndedBefore(cutoff time.Time) {
	for id, item := range l.cache.Items() {
		st, ok := item.Object.(*State)
		if ok && !st.Active && st.LastActivity.Before(cutoff) {
			l.cache.Delete(id)
		}
	}
}
