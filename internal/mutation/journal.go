package mutation

import "encoding/json"

// LocalStore is the client-side state an optimistic update may change.
type LocalStore interface {
	Get(key string) (json.RawMessage, bool)
	Set(key string, value json.RawMessage)
	Delete(key string)
}

type priorValue struct {
	value json.RawMessage
	ok    bool
}

// Journal wraps a LocalStore and remembers the value each key held before
// its first write, so a failed mutation can put everything back.
type Journal struct {
	store LocalStore
	order []string
	prior map[string]priorValue
}

func newJournal(store LocalStore) *Journal {
	return &Journal{store: store, prior: make(map[string]priorValue)}
}

// Get reads through to the store.
func (j *Journal) Get(key string) (json.RawMessage, bool) {
	return j.store.Get(key)
}

// Set writes value for key.
func (j *Journal) Set(key string, value json.RawMessage) {
	j.record(key)
	j.store.Set(key, value)
}

// Delete removes key.
func (j *Journal) Delete(key string) {
	j.record(key)
	j.store.Delete(key)
}

// Keys returns the touched keys in first-write order.
func (j *Journal) Keys() []string {
	return append([]string(nil), j.order...)
}

func (j *Journal) record(key string) {
	if _, seen := j.prior[key]; seen {
		return
	}
	v, ok := j.store.Get(key)
	j.prior[key] = priorValue{value: v, ok: ok}
	j.order = append(j.order, key)
}

// restore undoes every write, newest key first.
func (j *Journal) restore() {
	for i := len(j.order) - 1; i >= 0; i-- {
		key := j.order[i]
		p := j.prior[key]
		if p.ok {
			j.store.Set(key, p.value)
		} else {
			j.store.Delete(key)
		}
	}
	j.order = nil
	j.prior = make(map[string]priorValue)
}
