package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RefreshCommunity fetches the JSON rule array at url and installs
// every id not already known. Existing rules are left untouched even
// if their body changed upstream: fingerprint mismatches are only
// logged, since silently rewriting a live rule's pattern could
// change an operator's enforcement posture without their say-so.
func (m *Manager) RefreshCommunity(ctx context.Context, client *http.Client, url string, log *slog.Logger) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("rules: build community request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rules: fetch community rules: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rules: community source returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, fmt.Errorf("rules: read community response: %w", err)
	}

	var wire []wireRule
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("rules: parse community response: %w", err)
	}

	added := 0
	m.mu.Lock()
	for _, w := range wire {
		if _, exists := m.byID[w.ID]; exists {
			if log != nil {
				if existing := m.byID[w.ID]; existing != nil {
					fp := fingerprint(w.Pattern, orDefault(w.Flags, "gi"))
					if fp != existing.fingerprint {
						log.Debug("community rule body changed upstream, not applied", "rule_id", w.ID)
					}
				}
			}
			continue
		}
		r, err := buildRule(w, SourceCommunity)
		if err != nil {
			if log != nil {
				log.Warn("skipping invalid community rule", "rule_id", w.ID, "error", err)
			}
			continue
		}
		m.insertLocked(r)
		added++
	}
	m.mu.Unlock()

	if log != nil {
		log.Info("community rule refresh complete", "added", added, "total_seen", len(wire))
	}
	return added, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// StartCommunityRefresh polls url at interval until ctx is canceled,
// logging failures rather than propagating them: a single bad fetch
// must not take rule enforcement down.
func (m *Manager) StartCommunityRefresh(ctx context.Context, client *http.Client, url string, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RefreshCommunity(ctx, client, url, log); err != nil && log != nil {
				log.Warn("community rule refresh failed", "error", err)
			}
		}
	}
}
