// Package useragent hands out browser identity strings for outbound requests.
package useragent

import (
	"math/rand/v2"
	"strings"
)

// DefaultAgents are the browser identities used when none are configured.
var DefaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPad; CPU OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/604.1",
}

// Pool is a stateless, concurrency-safe user-agent provider.
type Pool struct {
	agents []string
}

// New builds a Pool from agents, dropping blanks. An empty list falls back
// to DefaultAgents.
func New(agents []string) *Pool {
	cleaned := make([]string, 0, len(agents))
	for _, a := range agents {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, a)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultAgents...)
	}
	return &Pool{agents: cleaned}
}

// Pick returns a uniformly random identity.
func (p *Pool) Pick() string {
	return p.agents[rand.IntN(len(p.agents))]
}

// Len returns the number of identities in the pool.
func (p *Pool) Len() int {
	return len(p.agents)
}
