package httputil

import (
	"net/http"
	"os"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	// AppNameEnv overrides the User-Agent sent to the IMF service.
	AppNameEnv = "IMF_APP_NAME"

	maxAppNameLen = 255
)

// Version is set at build time.
var Version = "dev"

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}

// UserAgent returns IMF_APP_NAME truncated to 255 characters, or the
// library's own name and version when unset.
func UserAgent() string {
	return UserAgentFor(os.Getenv(AppNameEnv))
}

// UserAgentFor applies the same rules to an explicit application name.
func UserAgentFor(appName string) string {
	if appName == "" {
		return "imfdata/" + Version
	}
	if len(appName) > maxAppNameLen {
		return appName[:maxAppNameLen]
	}
	return appName
}
