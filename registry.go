package flatpanel

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"go.viam.com/rdk/logging"
)

type panelEntry struct {
	panel     *Panel
	config    *Config
	refCount  int64 // Atomic reference counter
	lastError error
	mu        sync.RWMutex
}

// PanelRegistry shares one Panel per serial port between the resources that
// use it.
type PanelRegistry struct {
	entries map[string]*panelEntry // port path -> entry
	mu      sync.RWMutex

	opts []PanelOption
}

// NewPanelRegistry returns an empty registry. opts are applied to every
// Panel it creates.
func NewPanelRegistry(opts ...PanelOption) *PanelRegistry {
	return &PanelRegistry{
		entries: make(map[string]*panelEntry),
		opts:    opts,
	}
}

var globalRegistry = NewPanelRegistry()

// Acquire returns the panel on portPath, creating and connecting it on first
// use. A failed connect still registers the panel so a later explicit connect
// can recover it.
func (r *PanelRegistry) Acquire(ctx context.Context, portPath string, config *Config, logger logging.Logger) (*Panel, error) {
	r.mu.Lock()
	entry, exists := r.entries[portPath]
	if !exists {
		entry = &panelEntry{config: config}
		r.entries[portPath] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.panel != nil {
		if !configsEqual(entry.config, config) {
			currentRefCount := atomic.LoadInt64(&entry.refCount)
			return nil, fmt.Errorf("conflict: panel on %s uses a different config (refCount: %d)", portPath, currentRefCount)
		}
		atomic.AddInt64(&entry.refCount, 1)
		return entry.panel, nil
	}

	panelConfig := *config
	panelConfig.Port = portPath
	panel, err := NewPanel(&panelConfig, logger, r.opts...)
	if err != nil {
		entry.lastError = err
		r.remove(portPath, entry)
		return nil, fmt.Errorf("failed to create panel: %w", err)
	}

	if err := panel.Connect(ctx, portPath); err != nil {
		entry.lastError = err
		logger.Warnf("panel on %s is not connected: %v", portPath, err)
	} else {
		entry.lastError = nil
		logger.Infof("connected to flat panel on %s", portPath)
	}

	entry.panel = panel
	entry.config = config
	atomic.StoreInt64(&entry.refCount, 1)

	// a concurrent Release may have dropped the entry while we waited
	r.mu.Lock()
	r.entries[portPath] = entry
	r.mu.Unlock()
	return panel, nil
}

// Release drops one reference and disconnects the panel after the last one.
func (r *PanelRegistry) Release(portPath string) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if !exists {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		return
	}
	if entry.panel != nil {
		entry.panel.Disconnect()
	}
	r.remove(portPath, entry)
	entry.panel = nil
	entry.config = nil
	entry.lastError = nil
	atomic.StoreInt64(&entry.refCount, 0)
}

// ForceClose disconnects and forgets the panel regardless of references.
func (r *PanelRegistry) ForceClose(portPath string) {
	r.mu.Lock()
	entry, exists := r.entries[portPath]
	if exists {
		delete(r.entries, portPath)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.panel != nil {
		entry.panel.Disconnect()
		entry.panel = nil
	}
	entry.config = nil
	atomic.StoreInt64(&entry.refCount, 0)
	entry.lastError = nil
}

// Status reports the reference count, whether a panel exists and a summary
// for portPath.
func (r *PanelRegistry) Status(portPath string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	currentRefCount := atomic.LoadInt64(&entry.refCount)
	hasPanel := entry.panel != nil
	summary := ""
	if entry.config != nil && hasPanel {
		summary = fmt.Sprintf("Serial: %s@%d, Dialect: %s, State: %s",
			portPath, entry.config.BaudRate, entry.panel.Dialect().Name, entry.panel.ConnectionState())
	}
	if entry.lastError != nil {
		summary += fmt.Sprintf(", LastError: %v", entry.lastError)
	}
	return currentRefCount, hasPanel, summary
}

// Ports lists the ports currently held.
func (r *PanelRegistry) Ports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ports := make([]string, 0, len(r.entries))
	for port := range r.entries {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	return ports
}

// Holds reports whether portPath is in use.
func (r *PanelRegistry) Holds(portPath string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[portPath]
	return exists
}

func (r *PanelRegistry) remove(portPath string, entry *panelEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[portPath] == entry {
		delete(r.entries, portPath)
	}
}

// configsEqual compares the settings that change how a port is driven.
func configsEqual(a, b *Config) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	aOpen, aClosed := a.angles()
	bOpen, bClosed := b.angles()
	return a.BaudRate == b.BaudRate &&
		a.Dialect == b.Dialect &&
		a.Handshake == b.Handshake &&
		slices.Equal(a.StatusCommands, b.StatusCommands) &&
		a.CoverMode == b.CoverMode &&
		aOpen == bOpen && aClosed == bClosed &&
		a.maxBrightness() == b.maxBrightness() &&
		a.replyTimeout() == b.replyTimeout()
}
