package presence

import (
	"sort"
	"sync"

	"mellium.im/xmpp/jid"
)

// Show represents the presence show state
type Show string

const (
	ShowOnline Show = ""
	ShowAway   Show = "away"
	ShowChat   Show = "chat"
	ShowDND    Show = "dnd"
	ShowXA     Show = "xa"
)

// Status represents the presence of one resource
type Status struct {
	JID      jid.JID
	Show     Show
	Status   string
	Priority int

	seq uint64
}

// MutualChecker tells whether both sides are subscribed to each other
type MutualChecker interface {
	IsMutual(j jid.JID) bool
}

// Manager tracks the connected resources of every bare address
type Manager struct {
	mu       sync.RWMutex
	statuses map[string]map[string]*Status // bare JID -> resource -> status
	seq      uint64
	mutual   MutualChecker
}

// NewManager creates a new presence manager. A nil checker treats every
// address as mutually subscribed.
func NewManager(mutual MutualChecker) *Manager {
	return &Manager{
		statuses: make(map[string]map[string]*Status),
		mutual:   mutual,
	}
}

// RecordAvailable stores the presence of a resource. It reports true when
// the address had no resource before, i.e. it just came online.
func (m *Manager) RecordAvailable(status Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := status.JID.Bare().String()
	resource := status.JID.Resourcepart()

	resources := m.statuses[bare]
	newlyOnline := len(resources) == 0
	if resources == nil {
		resources = make(map[string]*Status)
		m.statuses[bare] = resources
	}

	if old, ok := resources[resource]; ok {
		status.seq = old.seq
	} else {
		m.seq++
		status.seq = m.seq
	}
	resources[resource] = &status
	return newlyOnline
}

// RecordUnavailable removes a resource, or every resource when j is bare.
// It reports true when the last resource of the address went away.
func (m *Manager) RecordUnavailable(j jid.JID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	resource := j.Resourcepart()

	resources := m.statuses[bare]
	if len(resources) == 0 {
		return false
	}
	if resource == "" {
		delete(m.statuses, bare)
		return true
	}
	if _, ok := resources[resource]; !ok {
		return false
	}
	delete(resources, resource)
	if len(resources) == 0 {
		delete(m.statuses, bare)
		return true
	}
	return false
}

// Get returns the highest priority presence for a bare JID. Ties go to
// the resource that connected first.
func (m *Manager) Get(j jid.JID) *Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Status
	for _, status := range m.statuses[j.Bare().String()] {
		if best == nil || status.Priority > best.Priority ||
			(status.Priority == best.Priority && status.seq < best.seq) {
			best = status
		}
	}
	if best == nil {
		return nil
	}
	s := *best
	return &s
}

// Resources returns the connected resource names of a bare JID, sorted
func (m *Manager) Resources(j jid.JID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resources := m.statuses[j.Bare().String()]
	names := make([]string, 0, len(resources))
	for name := range resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsOnline reports whether j has a connected resource and a mutual
// subscription
func (m *Manager) IsOnline(j jid.JID) bool {
	m.mu.RLock()
	n := len(m.statuses[j.Bare().String()])
	m.mu.RUnlock()

	return n > 0 && (m.mutual == nil || m.mutual.IsMutual(j))
}

// OnlineAddresses returns the sorted bare addresses that are online
func (m *Manager) OnlineAddresses() []string {
	m.mu.RLock()
	candidates := make([]string, 0, len(m.statuses))
	for bare, resources := range m.statuses {
		if len(resources) > 0 {
			candidates = append(candidates, bare)
		}
	}
	m.mu.RUnlock()

	online := candidates[:0]
	for _, bare := range candidates {
		j, err := jid.Parse(bare)
		if err != nil {
			continue
		}
		if m.mutual == nil || m.mutual.IsMutual(j) {
			online = append(online, bare)
		}
	}
	sort.Strings(online)
	return online
}

// Clear clears all presence information
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = make(map[string]map[string]*Status)
}

// ShowToString converts a Show value to a human-readable string
func ShowToString(show Show) string {
	switch show {
	case ShowOnline:
		return "online"
	case ShowAway:
		return "away"
	case ShowChat:
		return "chatty"
	case ShowDND:
		return "dnd"
	case ShowXA:
		return "far away"
	default:
		return string(show)
	}
}

// StringToShow converts a string to a Show value
func StringToShow(s string) Show {
	switch s {
	case "online", "":
		return ShowOnline
	case "away":
		return ShowAway
	case "chat":
		return ShowChat
	case "dnd":
		return ShowDND
	case "xa":
		return ShowXA
	default:
		return Show(s)
	}
}
