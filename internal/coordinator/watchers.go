package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// MaxUnknownWatchers bounds the number of unknown watcher ids remembered.
const MaxUnknownWatchers = 1000

// forgetAfter is how long unknown ids and last seen entries are kept.
const forgetAfter = 24 * time.Hour

// WatcherRegistry keeps track of the configuration clients talking to the server.
// Configured ids take part in votes. Ids that are not configured are
// remembered as unknown so operators can spot misconfigured clients.
//
// Thread-safe: All methods are safe for concurrent access.
type WatcherRegistry struct {
	lastSeen   map[string]time.Time
	configured []string
	unknown    []string
	timeout    time.Duration
	mu         sync.Mutex
}

// NewWatcherRegistry creates a registry for the configured watcher ids.
// Clients not heard from within timeout are reported as unresponsive.
func NewWatcherRegistry(configured []string, timeout time.Duration) *WatcherRegistry {
	ids := slices.Clone(configured)
	sort.Strings(ids)
	return &WatcherRegistry{
		lastSeen:   make(map[string]time.Time),
		configured: slices.Compact(ids),
		timeout:    timeout,
	}
}

// IsConfigured reports whether id takes part in votes.
func (w *WatcherRegistry) IsConfigured(id string) bool {
	_, found := slices.BinarySearch(w.configured, id)
	return found
}

// Configured returns the configured watcher ids, sorted.
func (w *WatcherRegistry) Configured() []string {
	return slices.Clone(w.configured)
}

// Seen records a message from id and reports whether id is configured.
// Unknown ids are remembered, dropping the oldest beyond MaxUnknownWatchers.
func (w *WatcherRegistry) Seen(id string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen[id] = now
	if w.IsConfigured(id) {
		return true
	}
	if slices.Contains(w.unknown, id) {
		return false
	}
	for len(w.unknown) >= MaxUnknownWatchers {
		delete(w.lastSeen, w.unknown[0])
		w.unknown = w.unknown[1:]
	}
	w.unknown = append(w.unknown, id)
	return false
}

// Forget drops unknown ids and last seen entries older than a day.
func (w *WatcherRegistry) Forget(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	threshold := now.Add(-forgetAfter)
	for id, t := range w.lastSeen {
		if !t.After(threshold) {
			delete(w.lastSeen, id)
		}
	}
	w.unknown = slices.DeleteFunc(w.unknown, func(id string) bool {
		_, ok := w.lastSeen[id]
		return !ok
	})
}

// Unknown returns the ids seen but not configured, sorted.
func (w *WatcherRegistry) Unknown() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	res := slices.Clone(w.unknown)
	sort.Strings(res)
	return res
}

// Unseen returns the configured ids that never sent a message.
func (w *WatcherRegistry) Unseen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	res := make([]string, 0)
	for _, id := range w.configured {
		if _, ok := w.lastSeen[id]; !ok {
			res = append(res, id)
		}
	}
	return res
}

// Unresponsive describes the clients not heard from within the timeout,
// longest silent first, e.g. "rc1: last seen 42s ago".
func (w *WatcherRegistry) Unresponsive(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	type silent struct {
		id      string
		silence time.Duration
	}
	threshold := now.Add(-w.timeout)
	var list []silent
	for id, t := range w.lastSeen {
		if t.Before(threshold) {
			list = append(list, silent{id: id, silence: now.Sub(t).Truncate(time.Second)})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].silence != list[j].silence {
			return list[i].silence > list[j].silence
		}
		return list[i].id < list[j].id
	})
	res := make([]string, 0, len(list))
	for _, s := range list {
		if s.silence > 0 {
			res = append(res, fmt.Sprintf("%s: last seen %s ago", s.id, s.silence))
		}
	}
	return res
}
