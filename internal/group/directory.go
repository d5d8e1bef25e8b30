// Package group keeps named chat groups and fans lines out to their members.
package group

import (
	"sort"
	"sync"

	"github.com/Tyrowin/chatrelay/internal/registry"
	"github.com/samber/lo"
)

type Set map[string]struct{}

// Lookuper resolves a member identity to its live connection.
type Lookuper interface {
	Lookup(identity string) (registry.Sender, bool)
}

// Directory maps group names to member identities. Groups are created on
// first join and deleted once their last member disconnects.
type Directory struct {
	mu      sync.RWMutex
	groups  map[string]Set
	senders Lookuper
}

func NewDirectory(senders Lookuper) *Directory {
	return &Directory{
		groups:  make(map[string]Set),
		senders: senders,
	}
}

// CreateOrJoin adds identity to name, creating the group if needed. It
// reports whether the group was created by this call.
func (d *Directory) CreateOrJoin(name, identity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.groups[name]
	if !ok {
		members = make(Set)
		d.groups[name] = members
	}
	members[identity] = struct{}{}
	return !ok
}

// IsGroup reports whether name is a known group.
func (d *Directory) IsGroup(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.groups[name]
	return ok
}

// Members returns a sorted snapshot of the group's members, or nil when the
// group does not exist.
func (d *Directory) Members(name string) []string {
	members := d.snapshot(name)
	if members == nil {
		return nil
	}
	sort.Strings(members)
	return members
}

// Broadcast sends line to every member of name that is currently connected,
// except the identities in skip. Members are snapshotted before the fan-out
// so a concurrent join or leave never changes an in-flight delivery. ok is
// false only when the group does not exist.
func (d *Directory) Broadcast(name, line string, skip ...string) (delivered int, ok bool) {
	members := d.snapshot(name)
	if members == nil {
		return 0, false
	}

	for _, identity := range lo.Without(members, skip...) {
		sender, found := d.senders.Lookup(identity)
		if !found {
			continue
		}
		if sender.Send(line) {
			delivered++
		}
	}
	return delivered, true
}

// RemoveMember drops identity from every group and returns the names of the
// groups it left. Groups left empty are deleted.
func (d *Directory) RemoveMember(identity string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var left []string
	for name, members := range d.groups {
		if _, ok := members[identity]; !ok {
			continue
		}
		delete(members, identity)
		left = append(left, name)
		if len(members) == 0 {
			delete(d.groups, name)
		}
	}
	sort.Strings(left)
	return left
}

// Count returns the number of groups.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}

func (d *Directory) snapshot(name string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members, ok := d.groups[name]
	if !ok {
		return nil
	}
	return lo.Keys(members)
}
