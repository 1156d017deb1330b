package services

import (
	"sort"
	"sync"
)

// LockTable hands out one mutex per entity id. Entries are reference counted and
// removed once nobody holds or waits on them.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*lockEntry)}
}

// Lock blocks until the id is held and returns the matching unlock function
func (t *LockTable) Lock(id string) func() {
	t.mu.Lock()
	entry, ok := t.locks[id]
	if !ok {
		entry = &lockEntry{}
		t.locks[id] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

// LockAll acquires several ids in ascending order. Empty and duplicate ids are skipped.
func (t *LockTable) LockAll(ids ...string) func() {
	ordered := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	unlocks := make([]func(), 0, len(ordered))
	for _, id := range ordered {
		unlocks = append(unlocks, t.Lock(id))
	}

	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// Len returns the number of ids currently tracked
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// EntityLocks groups the disk and VM lock tables. Disks are always locked before VMs.
type EntityLocks struct {
	disks *LockTable
	vms   *LockTable
}

func NewEntityLocks() *EntityLocks {
	return &EntityLocks{
		disks: NewLockTable(),
		vms:   NewLockTable(),
	}
}

// Disk locks a single disk
func (l *EntityLocks) Disk(id string) func() {
	return l.disks.Lock(id)
}

// VM locks a single VM
func (l *EntityLocks) VM(id string) func() {
	return l.vms.Lock(id)
}

// DisksThenVM locks the given disks in ascending id order and then the VM
func (l *EntityLocks) DisksThenVM(vmID string, diskIDs ...string) func() {
	unlockDisks := l.disks.LockAll(diskIDs...)
	unlockVM := l.vms.Lock(vmID)
	return func() {
		unlockVM()
		unlockDisks()
	}
}
