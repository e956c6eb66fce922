package loadgen

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
}

type Result struct {
	TotalRequests int64
	Failures      int64
	StatusClasses map[string]int64
}

type request struct {
	method string
	path   string
	body   string
}

// Run drives synthetic traffic at the portal so dashboards and exporters have
// something to show. The auth profile exercises the register/login/refresh
// surface; health stays on the probe endpoints; mixed interleaves both.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.BaseURL == "" {
		return Result{}, fmt.Errorf("base url is required")
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	profile := normalizeProfile(cfg.Profile)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var total, failures atomic.Int64
	statusMu := sync.Mutex{}
	statusClasses := make(map[string]int64)

	work := make(chan request)
	var wg sync.WaitGroup
	client := &http.Client{Timeout: 5 * time.Second}
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range work {
				total.Add(1)
				status, err := send(runCtx, client, cfg.BaseURL, req)
				if err != nil {
					failures.Add(1)
					continue
				}
				class := classifyStatusClass(status)
				statusMu.Lock()
				statusClasses[class]++
				statusMu.Unlock()
				if status >= 500 {
					failures.Add(1)
				}
			}
		}()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	interval := time.Second / time.Duration(cfg.RPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

feed:
	for {
		select {
		case <-runCtx.Done():
			break feed
		case <-ticker.C:
			select {
			case work <- pickRequest(profile, rng):
			case <-runCtx.Done():
				break feed
			}
		}
	}
	close(work)
	wg.Wait()

	return Result{
		TotalRequests: total.Load(),
		Failures:      failures.Load(),
		StatusClasses: statusClasses,
	}, nil
}

func pickRequest(profile string, rng *rand.Rand) request {
	health := request{method: http.MethodGet, path: "/health/live"}
	switch profile {
	case "health":
		if rng.Intn(2) == 0 {
			return request{method: http.MethodGet, path: "/health/ready"}
		}
		return health
	case "auth":
		return authRequest(rng)
	default: // mixed
		if rng.Intn(3) == 0 {
			return health
		}
		return authRequest(rng)
	}
}

func authRequest(rng *rand.Rand) request {
	n := rng.Int63()
	if rng.Intn(2) == 0 {
		body := fmt.Sprintf(`{"displayName":"Load User","userName":"load%d","email":"load%d@example.com","password":"LoadPass1x"}`, n, n)
		return request{method: http.MethodPost, path: "/api/v1/auth/register", body: body}
	}
	body := fmt.Sprintf(`{"email":"load%d@example.com","password":"LoadPass1x"}`, n)
	return request{method: http.MethodPost, path: "/api/v1/auth/login", body: body}
}

func send(ctx context.Context, client *http.Client, baseURL string, r request) (int, error) {
	var body *bytes.Reader
	if r.body != "" {
		body = bytes.NewReader([]byte(r.body))
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, strings.TrimRight(baseURL, "/")+r.path, body)
	if err != nil {
		return 0, err
	}
	if r.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(profile string) string {
	v := strings.TrimSpace(strings.ToLower(profile))
	if v == "" {
		return "mixed"
	}
	return v
}
