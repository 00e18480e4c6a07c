// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import "sync"

// fingerprintLocks hands out one mutex per torrent fingerprint.
type fingerprintLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFingerprintLocks() *fingerprintLocks {
	return &fingerprintLocks{locks: make(map[string]*sync.Mutex)}
}

// get gets or creates the lock for fingerprint
func (l *fingerprintLocks) get(fingerprint string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, exists := l.locks[fingerprint]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	l.locks[fingerprint] = lock
	return lock
}
