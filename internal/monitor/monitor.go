// Package monitor tracks which execution backends are reachable: Ollama
// hosts, ComfyUI hosts, and the Anthropic API. Checks prefer a real HTTP
// endpoint and fall back to a TCP dial, so a half-started backend shows up
// as degraded-but-listening rather than silently failing tasks.
package monitor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
	"loom/internal/logging"
)

const (
	httpProbeTimeout = 2 * time.Second
	tcpProbeTimeout  = 1500 * time.Millisecond

	defaultOllamaPort  = "11434"
	defaultComfyUIPort = "8188"
	anthropicEndpoint  = "api.anthropic.com:443"
)

// Resource is one backend's latest observed state.
type Resource struct {
	Name      string                `json:"name"`
	Status    domain.ResourceStatus `json:"status"`
	Method    string                `json:"method"` // http, tcp, api_key, or none
	URL       string                `json:"url,omitempty"`
	Details   map[string]any        `json:"details,omitempty"`
	LatencyMS int64                 `json:"latency_ms"`
	CheckedAt time.Time             `json:"checked_at"`
}

// Config selects which backends to watch.
type Config struct {
	OllamaHosts     map[string]string
	ComfyUIHosts    map[string]string
	AnthropicAPIKey bool
	CheckInterval   time.Duration
	SkipWindow      time.Duration
}

type target struct {
	name  string
	url   string
	probe func(ctx context.Context, m *Monitor, tg target) *Resource
}

// Monitor probes backends in the background and answers availability
// questions from the latest results.
type Monitor struct {
	logger   logging.Logger
	client   *http.Client
	targets  []target
	interval time.Duration

	// fresh marks results younger than the skip window so on-demand checks
	// do not hammer a backend the loop just probed.
	fresh *expirable.LRU[string, *Resource]

	mu        sync.RWMutex
	lastKnown map[string]*Resource

	dialTCP func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New builds a monitor for the configured backends.
func New(cfg Config, logger logging.Logger) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	skip := cfg.SkipWindow
	if skip <= 0 {
		skip = 30 * time.Second
	}

	m := &Monitor{
		logger:    logging.OrNop(logger),
		client:    &http.Client{Timeout: httpProbeTimeout},
		interval:  interval,
		fresh:     expirable.NewLRU[string, *Resource](32, nil, skip),
		lastKnown: make(map[string]*Resource),
		dialTCP:   net.DialTimeout,
	}

	for key, host := range cfg.OllamaHosts {
		m.targets = append(m.targets, target{
			name:  "ollama_" + key,
			url:   host,
			probe: probeOllama,
		})
	}
	for key, host := range cfg.ComfyUIHosts {
		m.targets = append(m.targets, target{
			name:  "comfyui_" + key,
			url:   host,
			probe: probeComfyUI,
		})
	}
	if cfg.AnthropicAPIKey {
		m.targets = append(m.targets, target{
			name:  "anthropic_api",
			probe: probeAnthropic,
		})
	}
	sort.Slice(m.targets, func(i, j int) bool { return m.targets[i].name < m.targets[j].name })
	return m
}

// Start probes everything once, then keeps refreshing on the check
// interval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.RefreshAll(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RefreshAll(ctx)
			}
		}
	}()
}

// RefreshAll probes every target concurrently and stores the results.
func (m *Monitor) RefreshAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, tg := range m.targets {
		g.Go(func() error {
			m.record(tg.probe(ctx, m, tg))
			return nil
		})
	}
	_ = g.Wait()
}

// Check returns the state of one backend, probing only when the cached
// result has aged out of the skip window.
func (m *Monitor) Check(ctx context.Context, name string) (*Resource, error) {
	if res, ok := m.fresh.Get(name); ok {
		return res, nil
	}
	for _, tg := range m.targets {
		if tg.name == name {
			res := tg.probe(ctx, m, tg)
			m.record(res)
			return res, nil
		}
	}
	return nil, loomerrors.NotFound("Resource %s not found", name)
}

func (m *Monitor) record(res *Resource) {
	m.fresh.Add(res.Name, res)
	m.mu.Lock()
	prev := m.lastKnown[res.Name]
	m.lastKnown[res.Name] = res
	m.mu.Unlock()

	if prev != nil && prev.Status != res.Status {
		m.logger.Info("Resource %s: %s -> %s (%s)", res.Name, prev.Status, res.Status, res.Method)
	}
}

// Available reports whether the named backend was online at last check.
// Unknown names are unavailable.
func (m *Monitor) Available(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.lastKnown[name]
	return ok && res.Status == domain.ResourceOnline
}

// AnyAvailable reports whether any backend whose name starts with prefix
// is online.
func (m *Monitor) AnyAvailable(prefix string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, res := range m.lastKnown {
		if strings.HasPrefix(name, prefix) && res.Status == domain.ResourceOnline {
			return true
		}
	}
	return false
}

// Snapshot returns every backend's latest state, name order. Targets not
// probed yet report as checking.
func (m *Monitor) Snapshot() []Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Resource, 0, len(m.targets))
	for _, tg := range m.targets {
		if res, ok := m.lastKnown[tg.name]; ok {
			out = append(out, *res)
			continue
		}
		out = append(out, Resource{Name: tg.name, Status: domain.ResourceChecking, URL: tg.url})
	}
	return out
}

func probeOllama(ctx context.Context, m *Monitor, tg target) *Resource {
	res := &Resource{Name: tg.name, URL: tg.url, CheckedAt: time.Now().UTC()}
	start := time.Now()

	body, err := m.httpGet(ctx, tg.url+"/api/tags")
	if err == nil {
		res.Status = domain.ResourceOnline
		res.Method = "http"
		res.LatencyMS = time.Since(start).Milliseconds()
		var tags struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if jsonx.Unmarshal(body, &tags) == nil && len(tags.Models) > 0 {
			names := make([]string, len(tags.Models))
			for i, model := range tags.Models {
				names[i] = model.Name
			}
			res.Details = map[string]any{"models": names}
		}
		return res
	}

	return m.tcpFallback(res, tg.url, defaultOllamaPort, start)
}

func probeComfyUI(ctx context.Context, m *Monitor, tg target) *Resource {
	res := &Resource{Name: tg.name, URL: tg.url, CheckedAt: time.Now().UTC()}
	start := time.Now()

	if _, err := m.httpGet(ctx, tg.url+"/system_stats"); err == nil {
		res.Status = domain.ResourceOnline
		res.Method = "http"
		res.LatencyMS = time.Since(start).Milliseconds()
		return res
	}

	return m.tcpFallback(res, tg.url, defaultComfyUIPort, start)
}

// probeAnthropic is key-gated only: the target exists iff a key is
// configured, so it reports online without touching the network.
func probeAnthropic(_ context.Context, _ *Monitor, tg target) *Resource {
	return &Resource{
		Name:      tg.name,
		Status:    domain.ResourceOnline,
		Method:    "api_key",
		URL:       anthropicEndpoint,
		CheckedAt: time.Now().UTC(),
	}
}

// tcpFallback still counts a backend online when its port answers but the
// HTTP API does not; the method field records how it was reached.
func (m *Monitor) tcpFallback(res *Resource, rawURL, defaultPort string, start time.Time) *Resource {
	addr, err := hostPort(rawURL, defaultPort)
	if err != nil {
		res.Status = domain.ResourceOffline
		res.Method = "none"
		return res
	}

	conn, err := m.dialTCP("tcp", addr, tcpProbeTimeout)
	if err != nil {
		res.Status = domain.ResourceOffline
		res.Method = "none"
		return res
	}
	conn.Close()
	res.Status = domain.ResourceOnline
	res.Method = "tcp"
	res.LatencyMS = time.Since(start).Milliseconds()
	return res
}

func (m *Monitor) httpGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func hostPort(rawURL, defaultPort string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Host
	if host == "" {
		host = rawURL
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, defaultPort), nil
}
