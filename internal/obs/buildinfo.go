package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildMu       sync.RWMutex
	buildRegister sync.Once
	buildVersion  = "dev"
	buildCommit   = "unknown"

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantgate_build_info",
			Help: "Always 1; labels carry the running build.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo records the running build and exports it as a gauge.
func InitBuildInfo(version, commit string) {
	buildRegister.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildMu.Lock()
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	v, c := buildVersion, buildCommit
	buildMu.Unlock()

	buildInfo.Reset()
	buildInfo.WithLabelValues(v, c, runtime.Version()).Set(1)
}

// BuildVersion returns what InitBuildInfo recorded.
func BuildVersion() (version, commit string) {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return buildVersion, buildCommit
}
