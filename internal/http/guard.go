package httpx

import "sync"

// serverGuard admits one mutating operation per server at a time.
type serverGuard struct {
	mu   sync.Mutex
	busy map[string]string
}

func newServerGuard() *serverGuard {
	return &serverGuard{busy: make(map[string]string)}
}

// acquire marks serverID busy with op. When the server is already busy it
// returns the running operation and false.
func (g *serverGuard) acquire(serverID, op string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if running, ok := g.busy[serverID]; ok {
		return running, false
	}
	g.busy[serverID] = op
	return "", true
}

func (g *serverGuard) release(serverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, serverID)
}
