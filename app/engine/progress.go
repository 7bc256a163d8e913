package engine

import "sync"

// progressRegistry keeps the last reported progress of running jobs
type progressRegistry struct {
	mu   sync.RWMutex
	jobs map[string]float64
}

func newProgressRegistry() *progressRegistry {
	return &progressRegistry{jobs: map[string]float64{}}
}

func (p *progressRegistry) set(promptID string, fraction float64) {
	fraction = max(0, min(1, fraction))
	p.mu.Lock()
	p.jobs[promptID] = fraction
	p.mu.Unlock()
}

func (p *progressRegistry) get(promptID string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.jobs[promptID]
	return v, ok
}

func (p *progressRegistry) remove(promptID string) {
	p.mu.Lock()
	delete(p.jobs, promptID)
	p.mu.Unlock()
}

func (p *progressRegistry) all() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res := make(map[string]float64, len(p.jobs))
	for k, v := range p.jobs {
		res[k] = v
	}
	return res
}
