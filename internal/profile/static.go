package profile

import (
	"context"
	"sync"
)

// StaticDirectory is an in-memory Directory for dev mode and tests. Unknown
// users resolve to an anonymous profile with the configured default balance,
// which keeps local development usable without a profiles table.
type StaticDirectory struct {
	DefaultBalance int64

	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewStaticDirectory(defaultBalance int64) *StaticDirectory {
	return &StaticDirectory{
		DefaultBalance: defaultBalance,
		profiles:       make(map[string]Profile),
	}
}

func (d *StaticDirectory) Put(p Profile) {
	d.mu.Lock()
	d.profiles[p.UserID] = p
	d.mu.Unlock()
}

func (d *StaticDirectory) Lookup(_ context.Context, userID string) (Profile, error) {
	d.mu.RLock()
	p, ok := d.profiles[userID]
	d.mu.RUnlock()
	if ok {
		return p, nil
	}
	return Profile{
		UserID:       userID,
		Name:         "anonymous",
		TokenBalance: d.DefaultBalance,
	}, nil
}
