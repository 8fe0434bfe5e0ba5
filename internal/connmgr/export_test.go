package connmgr

// LiveChannels returns the number of channel workers not yet cancelled.
func (m *Mgr) LiveChannels() int { return int(m.live.Load()) }

// BeforeNotify installs f to run on the dispatcher after a report was
// applied and before its notification is delivered.
func (m *Mgr) BeforeNotify(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeNotify = f
}
