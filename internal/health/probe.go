package health

import (
	"context"
	"time"
)

type CheckFunc func(ctx context.Context) error

type Check struct {
	Name  string
	Check CheckFunc
}

type CheckResult struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// ProbeRunner evaluates readiness checks with a per-check timeout. A nil
// runner means the service has no external dependencies to wait for.
type ProbeRunner struct {
	checks  []Check
	timeout time.Duration
}

func NewProbeRunner(timeout time.Duration, checks ...Check) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{checks: checks, timeout: timeout}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	results := make([]CheckResult, 0, len(p.checks))
	ready := true
	for _, c := range p.checks {
		checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		start := time.Now()
		err := c.Check(checkCtx)
		cancel()
		result := CheckResult{
			Name:      c.Name,
			Status:    "up",
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Status = "down"
			result.Error = err.Error()
			ready = false
		}
		results = append(results, result)
	}
	return ready, results
}
