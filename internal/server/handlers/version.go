package handlers

import (
	"net/http"
	"runtime"
	"sync"

	apperrors "github.com/3leaps/spotguard/internal/errors"
)

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version            string `json:"version"`
	Commit             string `json:"commit"`
	BuildDate          string `json:"build_date"`
	GoVersion          string `json:"go_version"`
	TransitionsHash    string `json:"transitions_hash,omitempty"`
	TransitionsVersion string `json:"transitions_version,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev"}
)

// SetVersionInfo sets the payload served by VersionHandler.
func SetVersionInfo(info VersionInfo) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = info
}

// VersionHandler serves build and transition-graph versions.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()
	info.GoVersion = runtime.Version()
	apperrors.WriteJSON(w, http.StatusOK, info)
}
