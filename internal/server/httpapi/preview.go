package httpapi

import (
	"net/http"
	"strings"
)

// previewAgentMarkers are user-agent substrings of chat clients and crawlers
// that unfurl links. The list is matched case-insensitively.
var previewAgentMarkers = []string{
	"bot",
	"slack",
	"discord",
	"telegram",
	"whatsapp",
	"preview",
	"facebookexternalhit",
}

// isPreviewAgent reports whether the request looks like an automated link
// preview rather than a human click. A false positive only shows a human the
// placeholder; a false negative burns a secret, so the markers err broad.
func isPreviewAgent(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Purpose"), "preview") {
		return true
	}
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	for _, marker := range previewAgentMarkers {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}
