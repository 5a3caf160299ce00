package healthcheck

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Probe checks one dependency of the gateway.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Checker probes the gateway's backing stores
type Checker struct {
	mu          sync.RWMutex
	probes      []Probe
	status      map[string]*Status
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	now         func() time.Time
	stopChan    chan struct{}
	running     bool
}

// Holds health checker configuration
type Config struct {
	Probes      []Probe
	Interval    time.Duration // How often to check in the background (default: 10s)
	Timeout     time.Duration // Per probe timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 1)
	Now         func() time.Time
}

func NewChecker(cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	checker := &Checker{
		probes:      cfg.Probes,
		status:      make(map[string]*Status, len(cfg.Probes)),
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		now:         cfg.Now,
		stopChan:    make(chan struct{}),
	}

	// Assume healthy until the first probe says otherwise
	for _, p := range cfg.Probes {
		checker.status[p.Name] = &Status{Name: p.Name, IsHealthy: true}
	}

	return checker
}

// Begins periodic health checks
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"probes":   len(c.probes),
		"interval": c.interval,
	}).Info("starting dependency health checks")

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Check(context.Background())
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stops the background checks
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopChan)
		c.running = false
		log.Info("dependency health checker stopped")
	}
}

// Check runs every probe concurrently and returns the resulting overall health.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup

	for _, p := range c.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			c.run(ctx, p)
		}(p)
	}

	wg.Wait()
	return c.OverallHealth()
}

func (c *Checker) run(ctx context.Context, p Probe) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := p.Check(ctx); err != nil {
		c.recordFailure(p.Name, err)
		return
	}
	c.recordSuccess(p.Name)
}

func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.status[name]
	status.LastCheck = now
	status.LastSuccess = now
	status.LastError = ""
	status.FailureCount = 0

	if !status.IsHealthy {
		log.WithField("dependency", name).Info("dependency is healthy again")
		status.IsHealthy = true
	}
}

func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.status[name]
	status.LastCheck = now
	status.LastFailure = now
	status.LastError = err.Error()
	status.FailureCount++

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		log.WithError(err).WithFields(log.Fields{
			"dependency": name,
			"failures":   status.FailureCount,
		}).Warn("dependency is unhealthy")
		status.IsHealthy = false
	}
}

// Returns health status of every dependency
func (c *Checker) GetAllStatus() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Status, len(c.status))
	for name, status := range c.status {
		out[name] = *status
	}
	return out
}

// Returns the overall health status
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := 0
	for _, status := range c.status {
		if status.IsHealthy {
			healthy++
		}
	}

	switch {
	case healthy == len(c.status):
		return Healthy
	case healthy == 0:
		return Unhealthy
	default:
		return Degraded
	}
}
