package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
)

// LifecycleState describes where the cache manager is in its
// install/activate lifecycle.
type LifecycleState int

const (
	StateInstalling LifecycleState = iota
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s LifecycleState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// Fetcher performs upstream HTTP requests. *http.Client satisfies it; tests
// substitute a fake.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config carries the cache manager's construction parameters.
type Config struct {
	Root             string        // cache directory root
	OriginURL        string        // upstream origin the kiosk fetches from
	Version          string        // current generation version label
	AppShellPath     string        // request key of the cached app shell
	VersionCheckPath string        // upstream path polled for update checks
	MediaPathPrefix  string        // route prefix served from the media generation
	RemoteAPIPrefix  string        // route prefix proxied network-first
	CriticalAssets   []string      // manifest of critical resource URLs
	MediaAssets      []string      // manifest of large media assets
	RevalidateWindow time.Duration // min interval between background revalidations
}

// Manager owns the named, versioned cache generations and answers resource
// requests from cache or network per the per-route policy. Three generations
// coexist without interference: static (app shell and critical assets),
// runtime (dynamically fetched resources), and media (large binary assets).
type Manager struct {
	cfg      Config
	origin   *url.URL
	fetcher  Fetcher
	logger   *logging.ChanneledLogger
	throttle *Throttle

	mu         sync.Mutex
	state      LifecycleState
	version    string
	staticGen  *Generation
	runtimeGen *Generation
	mediaGen   *Generation

	// Invoked after activation so connected clients are claimed by the new
	// generation without a reload.
	onActivate func(version string)
}

// NewManager creates a cache manager rooted at cfg.Root. Generations are
// opened but not installed; call Install to populate them.
func NewManager(cfg Config, fetcher Fetcher, logger *logging.ChanneledLogger) (*Manager, error) {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL %q: %w", cfg.OriginURL, err)
	}

	m := &Manager{
		cfg:      cfg,
		origin:   origin,
		fetcher:  fetcher,
		logger:   logger,
		throttle: NewThrottle(cfg.RevalidateWindow),
		state:    StateInstalling,
		version:  cfg.Version,
	}

	if err := m.openGenerations(cfg.Version); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) openGenerations(version string) error {
	var err error
	if m.staticGen, err = OpenGeneration(m.cfg.Root, "static-"+version); err != nil {
		return err
	}
	if m.runtimeGen, err = OpenGeneration(m.cfg.Root, "runtime-"+version); err != nil {
		return err
	}
	if m.mediaGen, err = OpenGeneration(m.cfg.Root, "media-"+version); err != nil {
		return err
	}
	return nil
}

// OnActivate registers the claim-clients callback.
func (m *Manager) OnActivate(fn func(version string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onActivate = fn
}

// State reports the current lifecycle state.
func (m *Manager) State() LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Version reports the current generation version label.
func (m *Manager) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Throttle exposes the revalidation throttle for scheduler-driven purges.
func (m *Manager) Throttle() *Throttle {
	return m.throttle
}

// Install fetches the manifest of critical resource URLs into the static
// generation and the media manifest into the media generation. Failure of
// any individual resource never aborts installation: a kiosk with a flaky
// link to one icon still gets a working shell. Install requests activation
// immediately rather than waiting for old instances to be released.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateInstalling
	staticGen, mediaGen := m.staticGen, m.mediaGen
	m.mu.Unlock()

	m.logger.Cache().Info("Installing cache generations",
		"staticGeneration", staticGen.Name,
		"criticalAssets", len(m.cfg.CriticalAssets),
		"mediaAssets", len(m.cfg.MediaAssets))

	var failed []string
	for _, asset := range m.cfg.CriticalAssets {
		if err := m.fetchInto(ctx, staticGen, asset, false); err != nil {
			failed = append(failed, asset)
			m.logger.Cache().Warn("Critical asset failed to cache during install",
				"asset", asset, "error", err.Error())
		}
	}

	// Media assets go through the best-effort path: opaque responses are
	// accepted and nothing here can fail installation as a whole.
	for _, asset := range m.cfg.MediaAssets {
		if err := m.fetchInto(ctx, mediaGen, asset, true); err != nil {
			m.logger.Cache().Warn("Media asset skipped during install",
				"asset", asset, "error", err.Error())
		}
	}

	m.mu.Lock()
	m.state = StateWaiting
	m.mu.Unlock()

	if len(failed) > 0 {
		m.logger.Cache().Warn("Install completed with partial failures", "failedAssets", failed)
	}

	return m.Activate()
}

// Activate enumerates all generations on disk, deletes every one not
// matching the current static, runtime, or media identifier, then claims
// connected clients. Swapping is atomic delete-then-recreate under the
// manager lock.
func (m *Manager) Activate() error {
	m.mu.Lock()
	m.state = StateActivating
	keep := map[string]bool{
		m.staticGen.Name:  true,
		m.runtimeGen.Name: true,
		m.mediaGen.Name:   true,
	}
	version := m.version
	onActivate := m.onActivate
	m.mu.Unlock()

	names, err := ListGenerations(m.cfg.Root)
	if err != nil {
		return fmt.Errorf("failed to enumerate generations: %w", err)
	}

	for _, name := range names {
		if keep[name] {
			continue
		}
		stale := &Generation{Name: name, dir: filepath.Join(m.cfg.Root, name)}
		if err := stale.Destroy(); err != nil {
			m.logger.Cache().Error("Failed to purge stale generation", "generation", name, "error", err.Error())
			continue
		}
		m.logger.Cache().Info("Purged stale generation", "generation", name)
	}

	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()

	m.logger.Cache().Info("Cache generations activated", "version", version)
	if onActivate != nil {
		onActivate(version)
	}
	return nil
}

// SkipWaiting forces immediate activation of a waiting update. A no-op in
// any other lifecycle state.
func (m *Manager) SkipWaiting() error {
	m.mu.Lock()
	waiting := m.state == StateWaiting
	m.mu.Unlock()

	if !waiting {
		return nil
	}
	m.logger.Cache().Info("Skip-waiting requested, activating now")
	return m.Activate()
}

// PurgeAll deletes every generation and recreates the current ones empty.
func (m *Manager) PurgeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := ListGenerations(m.cfg.Root)
	if err != nil {
		return fmt.Errorf("failed to enumerate generations: %w", err)
	}

	for _, name := range names {
		stale := &Generation{Name: name, dir: filepath.Join(m.cfg.Root, name)}
		if err := stale.Destroy(); err != nil {
			return fmt.Errorf("failed to purge generation %s: %w", name, err)
		}
	}

	if err := m.openGenerations(m.version); err != nil {
		return err
	}

	m.logger.Cache().Info("All cache generations purged", "count", len(names))
	return nil
}

// RecacheMedia deletes and re-fetches each media URL individually, reporting
// per-file success independently.
func (m *Manager) RecacheMedia(ctx context.Context) []models.MediaResult {
	m.mu.Lock()
	mediaGen := m.mediaGen
	m.mu.Unlock()

	results := make([]models.MediaResult, 0, len(m.cfg.MediaAssets))
	for _, asset := range m.cfg.MediaAssets {
		if err := mediaGen.Delete(asset); err != nil {
			results = append(results, models.MediaResult{URL: asset, Success: false, Error: err.Error()})
			continue
		}
		if err := m.fetchInto(ctx, mediaGen, asset, true); err != nil {
			results = append(results, models.MediaResult{URL: asset, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, models.MediaResult{URL: asset, Success: true})
	}

	m.logger.Cache().Info("Media recache completed", "files", len(results))
	return results
}

// CheckForUpdate polls the upstream version endpoint and, when the version
// label moved, installs a bumped set of generations. Activation of the new
// generations purges the old ones.
func (m *Manager) CheckForUpdate(ctx context.Context) (bool, error) {
	resp, err := m.fetch(ctx, m.cfg.VersionCheckPath, "")
	if err != nil {
		// Offline update checks are a deferral, not a failure.
		m.logger.Cache().Debug("Update check skipped, origin unreachable", "error", err.Error())
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("version check returned status %d", resp.StatusCode)
	}

	var remote struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return false, fmt.Errorf("malformed version response: %w", err)
	}

	m.mu.Lock()
	current := m.version
	m.mu.Unlock()

	if remote.Version == "" || remote.Version == current {
		return false, nil
	}

	m.logger.Cache().Info("Update detected, bumping generations",
		"currentVersion", current, "newVersion", remote.Version)

	m.mu.Lock()
	m.version = remote.Version
	if err := m.openGenerations(remote.Version); err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.mu.Unlock()

	return true, m.Install(ctx)
}

// fetch performs an upstream request for path against the configured origin.
func (m *Manager) fetch(ctx context.Context, path, cacheDirective string) (*http.Response, error) {
	target := m.origin.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if cacheDirective != "" {
		req.Header.Set("Cache-Control", cacheDirective)
	}
	return m.fetcher.Do(req)
}

// fetchInto fetches path and stores the response in gen. With bestEffort
// set, a response carrying no Access-Control-Allow-Origin header is treated
// as opaque and stored exactly as received, whatever its status code. Opaque
// responses cannot be interpreted by the caching side, so the entry replays
// status, headers, and body byte-exact; judging a non-200 opaque response
// unusable and dropping it would break media whose origin withholds CORS
// headers. Non-opaque responses must be 200 to be cached.
func (m *Manager) fetchInto(ctx context.Context, gen *Generation, path string, bestEffort bool) error {
	resp, err := m.fetch(ctx, path, "no-cache")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	opaque := resp.Header.Get("Access-Control-Allow-Origin") == "" && bestEffort
	if resp.StatusCode != http.StatusOK && !(bestEffort && opaque) {
		return fmt.Errorf("fetch of %s returned status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	return gen.Put(&Entry{
		Key:         path,
		ContentType: resp.Header.Get("Content-Type"),
		Status:      resp.StatusCode,
		Opaque:      opaque,
		FetchedAt:   time.Now().UTC(),
		Body:        body,
	})
}
