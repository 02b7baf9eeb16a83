// Package presence tracks which users the server reports as online.
package presence

import (
	"sort"
	"sync"

	"dolabb/models"
)

// Registry is a concurrency safe set of online users plus their display details
type Registry struct {
	mu      sync.RWMutex
	online  map[string]struct{}
	details map[string]models.OnlineUser
}

// Default is the process-wide registry shared by every connection
var Default = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		online:  make(map[string]struct{}),
		details: make(map[string]models.OnlineUser),
	}
}

// Replace swaps the whole online set, as sent by an online_users frame.
// Details are merged so cached usernames survive a refresh.
func (r *Registry) Replace(ids []string, details []models.OnlineUser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			r.online[id] = struct{}{}
		}
	}
	for _, d := range details {
		if d.ID != "" {
			r.details[d.ID] = d
		}
	}
}

// SetStatus applies a single user_status transition
func (r *Registry) SetStatus(id string, online bool, detail *models.OnlineUser) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if online {
		r.online[id] = struct{}{}
	} else {
		delete(r.online, id)
	}
	if detail != nil {
		d := *detail
		d.ID = id
		r.details[id] = d
	}
}

func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[id]
	return ok
}

// Online returns the sorted ids of everyone currently online
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Detail returns the last known display details for id
func (r *Registry) Detail(id string) (models.OnlineUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.details[id]
	return d, ok
}

// Clear forgets the online set; details are kept
func (r *Registry) Clear() {
	r.mu.Lock()
	r.online = make(map[string]struct{})
	r.mu.Unlock()
}
