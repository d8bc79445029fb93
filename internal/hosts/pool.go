package hosts

import (
	"context"
	"fmt"
	"sync"

	"github.com/mattjoyce/stagehand/internal/matrix"
)

// Pool hands out hosts to running jobs. A host serves at most one job at a
// time; all allocation state is guarded by mu.
type Pool struct {
	hosts []Host
	ranks RankTable

	mu   sync.Mutex
	busy map[string]bool
	// wake is closed and replaced on every release.
	wake chan struct{}
}

// NewPool creates a pool. Host names must be unique.
func NewPool(hosts []Host, ranks RankTable) (*Pool, error) {
	seen := make(map[string]struct{}, len(hosts))
	for i, h := range hosts {
		if h.Name == "" {
			return nil, fmt.Errorf("hosts[%d]: name is required", i)
		}
		if _, dup := seen[h.Name]; dup {
			return nil, fmt.Errorf("duplicate host name %q", h.Name)
		}
		seen[h.Name] = struct{}{}
	}
	if ranks == nil {
		ranks = DefaultRankTable()
	}
	return &Pool{
		hosts: append([]Host(nil), hosts...),
		ranks: ranks,
		busy:  make(map[string]bool, len(hosts)),
		wake:  make(chan struct{}),
	}, nil
}

// Hosts returns a copy of the inventory.
func (p *Pool) Hosts() []Host {
	return append([]Host(nil), p.hosts...)
}

// Ranks returns the rank table used for host-distro comparisons.
func (p *Pool) Ranks() RankTable {
	return p.ranks
}

// Size is the number of hosts in the pool.
func (p *Pool) Size() int {
	return len(p.hosts)
}

// Busy is the number of hosts currently allocated.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Check reports whether any host in the pool could ever run job.
func (p *Pool) Check(req Requirements, job matrix.Coordinate) error {
	_, err := qualify(req, job, p.hosts, p.ranks)
	return err
}

// Acquire allocates the most preferred free host for job, waiting until one
// is released if all qualifying hosts are busy. It fails immediately with
// *UnsatisfiableRequirementError when no host could ever qualify, and with
// ctx.Err() when ctx ends first.
func (p *Pool) Acquire(ctx context.Context, req Requirements, job matrix.Coordinate) (Host, error) {
	candidates, err := qualify(req, job, p.hosts, p.ranks)
	if err != nil {
		return Host{}, err
	}

	for {
		p.mu.Lock()
		for _, c := range candidates {
			if !p.busy[c.host.Name] {
				p.busy[c.host.Name] = true
				p.mu.Unlock()
				return c.host, nil
			}
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Host{}, ctx.Err()
		case <-wake:
		}
	}
}

// Release returns a host to the pool. Releasing a free host is a no-op.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.busy[name] {
		return
	}
	delete(p.busy, name)
	close(p.wake)
	p.wake = make(chan struct{})
}
