package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientConfig is exposed to the browser shim as window.__MEDSESSION_CONFIG.
type ClientConfig struct {
	AgentBaseURL   string
	ActivityEvents []string
	PointerMoveGap int
}

// ServeClientConfig emits a JavaScript payload that hydrates window.__MEDSESSION_CONFIG.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.AgentBaseURL), "/")
	if baseURL == "" {
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		baseURL = fmt.Sprintf("%s://%s", forwardedProto(contextGin.Request), host)
	}
	payload := struct {
		AgentBaseURL   string   `json:"agentBaseUrl"`
		EventsURL      string   `json:"eventsUrl"`
		ActivityEvents []string `json:"activityEvents"`
		PointerMoveGap int      `json:"pointerMoveGapMs"`
	}{
		AgentBaseURL:   baseURL,
		EventsURL:      websocketURL(baseURL) + "/api/events",
		ActivityEvents: configuration.ActivityEvents,
		PointerMoveGap: configuration.PointerMoveGap,
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "web.client_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){window.__MEDSESSION_CONFIG=Object.freeze(%s);})();`, string(encoded))

	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "http"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	return "http"
}
