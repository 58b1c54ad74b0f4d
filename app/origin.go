package roomchat

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originChecker decides which browser origins may open a websocket.
// Requests without an Origin header come from non-browser clients and are allowed.
type originChecker struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *slog.Logger
}

func newOriginChecker(origins []string, logger *slog.Logger) *originChecker {
	c := &originChecker{allowed: make(map[string]struct{}), logger: logger}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			c.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid allowed origin", slog.String("origin", origin))
			continue
		}
		c.allowed[normalized] = struct{}{}
	}
	return c
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (c *originChecker) CheckOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || c.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(header)
	if ok {
		if _, exists := c.allowed[normalized]; exists {
			return true
		}
	}
	c.logger.Warn("blocked websocket connection from disallowed origin", slog.String("origin", header))
	return false
}
