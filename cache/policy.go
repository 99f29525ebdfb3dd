package cache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// Serve answers one incoming resource request per the routing policy:
//
//	navigation        -> cached app shell, network only if the shell is absent
//	remote API path   -> network-first, synthesized offline response on failure
//	media asset path  -> media-generation cache-first, runtime fallback, then 503
//	all other GETs    -> cache-first with throttled background revalidation
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasPrefix(path, m.cfg.RemoteAPIPrefix):
		m.serveNetworkFirst(w, r)
	case strings.HasPrefix(path, m.cfg.MediaPathPrefix):
		m.serveMedia(w, r)
	case isNavigation(r):
		m.serveAppShell(w, r)
	case r.Method == http.MethodGet:
		m.serveCacheFirst(w, r)
	default:
		http.NotFound(w, r)
	}
}

// isNavigation reports whether the request is a page navigation.
func isNavigation(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// serveAppShell serves the cached app shell, falling back to network only
// when the shell is absent from cache.
func (m *Manager) serveAppShell(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	staticGen := m.staticGen
	m.mu.Unlock()

	if entry, hit := staticGen.Get(m.cfg.AppShellPath); hit {
		m.logger.LogCacheOperation("navigation", m.cfg.AppShellPath, true)
		writeEntry(w, entry)
		return
	}

	m.logger.LogCacheOperation("navigation", m.cfg.AppShellPath, false)
	resp, err := m.fetch(r.Context(), m.cfg.AppShellPath, "")
	if err != nil {
		writeOfflineResponse(w)
		return
	}
	defer resp.Body.Close()

	entry, err := m.storeResponse(staticGen, m.cfg.AppShellPath, resp)
	if err != nil {
		writeOfflineResponse(w)
		return
	}
	writeEntry(w, entry)
}

// serveNetworkFirst attempts the network and, on any network failure,
// synthesizes a structured offline response rather than failing the caller.
// Upstream 5xx responses synthesize a distinct server-error response.
func (m *Manager) serveNetworkFirst(w http.ResponseWriter, r *http.Request) {
	target := *r.URL
	target.Scheme = m.origin.Scheme
	target.Host = m.origin.Host

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		writeOfflineResponse(w)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := m.fetcher.Do(req)
	if err != nil {
		m.logger.Cache().Debug("Remote API unreachable, synthesizing offline response",
			"path", r.URL.Path, "error", err.Error())
		writeOfflineResponse(w)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		writeServerErrorResponse(w, resp.StatusCode)
		return
	}

	copyResponse(w, resp)
}

// serveMedia is cache-first against the media generation; on miss it fetches
// with a cache-friendly directive and populates the media generation; on
// total failure it falls back to the runtime generation, then returns a
// terminal unavailable response.
func (m *Manager) serveMedia(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	m.mu.Lock()
	mediaGen, runtimeGen := m.mediaGen, m.runtimeGen
	m.mu.Unlock()

	if entry, hit := mediaGen.Get(path); hit {
		m.logger.LogCacheOperation("media", path, true)
		writeEntry(w, entry)
		return
	}
	m.logger.LogCacheOperation("media", path, false)

	if err := m.fetchInto(r.Context(), mediaGen, path, true); err == nil {
		if entry, hit := mediaGen.Get(path); hit {
			writeEntry(w, entry)
			return
		}
	}

	if entry, hit := runtimeGen.Get(path); hit {
		m.logger.Cache().Debug("Media served from runtime fallback", "path", path)
		writeEntry(w, entry)
		return
	}

	writeUnavailableResponse(w)
}

// serveCacheFirst serves from the runtime generation; a hit also triggers a
// throttled background revalidation and returns the cached entry immediately
// without waiting for it; a miss fetches, caches on success, and returns.
func (m *Manager) serveCacheFirst(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	m.mu.Lock()
	runtimeGen := m.runtimeGen
	m.mu.Unlock()

	if entry, hit := runtimeGen.Get(path); hit {
		m.logger.LogCacheOperation("runtime", path, true)
		m.revalidateAsync(runtimeGen, path)
		writeEntry(w, entry)
		return
	}
	m.logger.LogCacheOperation("runtime", path, false)

	resp, err := m.fetch(r.Context(), path, "")
	if err != nil {
		writeOfflineResponse(w)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		copyResponse(w, resp)
		return
	}

	entry, err := m.storeResponse(runtimeGen, path, resp)
	if err != nil {
		writeOfflineResponse(w)
		return
	}
	writeEntry(w, entry)
}

// revalidateAsync refreshes a cached resource in the background, bounded by
// the throttle window.
func (m *Manager) revalidateAsync(gen *Generation, path string) {
	if !m.throttle.Allow(path) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := m.fetchInto(ctx, gen, path, false); err != nil {
			m.logger.Cache().Debug("Background revalidation failed", "path", path, "error", err.Error())
			return
		}
		m.logger.Cache().Debug("Background revalidation refreshed resource", "path", path)
	}()
}

// storeResponse consumes resp and stores it in gen under key.
func (m *Manager) storeResponse(gen *Generation, key string, resp *http.Response) (*Entry, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Key:         key,
		ContentType: resp.Header.Get("Content-Type"),
		Status:      resp.StatusCode,
		FetchedAt:   time.Now().UTC(),
		Body:        body,
	}
	if err := gen.Put(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func writeEntry(w http.ResponseWriter, entry *Entry) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// writeOfflineResponse synthesizes the structured offline response returned
// when no network path exists. Distinct from the server-error synthesis so
// callers can tell connectivity loss from upstream failure.
func writeOfflineResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   "offline",
		"offline": true,
		"message": "No network connection; request will be available when connectivity returns",
	})
}

func writeServerErrorResponse(w http.ResponseWriter, upstreamStatus int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]any{
		"error":          "server_error",
		"offline":        false,
		"upstreamStatus": upstreamStatus,
	})
}

func writeUnavailableResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   "unavailable",
		"message": "Media asset is not cached and cannot be fetched",
	})
}
