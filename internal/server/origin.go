package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// NewCheckOrigin builds the websocket origin check. Empty origins
// (non-browser clients like the admin binary), obs:// origins (OBS browser
// sources showing the stream view), and the app's own origin are allowed.
// Development additionally allows localhost.
func NewCheckOrigin(appURL string, isDevelopment bool) func(r *http.Request) bool {
	appOrigin := extractOrigin(appURL)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		if origin == "" {
			return true
		}
		if strings.HasPrefix(origin, "obs://") {
			return true
		}
		if appOrigin != "" && origin == appOrigin {
			return true
		}
		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
