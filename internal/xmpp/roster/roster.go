package roster

import (
	"sort"
	"sync"

	"mellium.im/xmpp/jid"
)

// Subscription represents the subscription state
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// Item represents a roster item
type Item struct {
	JID          jid.JID
	Name         string
	Subscription Subscription
	Groups       []string
}

// Manager mirrors the bot's roster
type Manager struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewManager creates a new roster manager
func NewManager() *Manager {
	return &Manager{
		items: make(map[string]*Item),
	}
}

// Load replaces the roster with a freshly fetched one
func (m *Manager) Load(items []Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*Item, len(items))
	for i := range items {
		item := items[i]
		m.items[item.JID.Bare().String()] = &item
	}
}

// Set sets or updates a roster item
func (m *Manager) Set(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.JID.Bare().String()] = &item
}

// Remove removes a roster item
func (m *Manager) Remove(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, j.Bare().String())
}

// IsMutual reports a "both" subscription
func (m *Manager) IsMutual(j jid.JID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[j.Bare().String()]
	return ok && item.Subscription == SubscriptionBoth
}

// Name returns the roster display name of j, if any
func (m *Manager) Name(j jid.JID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if item, ok := m.items[j.Bare().String()]; ok {
		return item.Name
	}
	return ""
}

// Mutual returns the bare addresses with a "both" subscription, sorted
func (m *Manager) Mutual() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var addrs []string
	for bare, item := range m.items {
		if item.Subscription == SubscriptionBoth {
			addrs = append(addrs, bare)
		}
	}
	sort.Strings(addrs)
	return addrs
}

// Count returns the number of roster items
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
