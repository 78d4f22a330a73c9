// Package observability provides the construction-time logging and metrics
// dependencies shared by every component, via explicit injection rather
// than a mutable global logger.
package observability

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logrus.Logger configured for the given level and
// output format. Components receive a *logrus.Entry derived from this
// logger at construction time rather than reaching for a package-level
// logger.
func NewLogger(level string, jsonFormat bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if jsonFormat {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}

// Metrics is the construction-time metrics dependency every component
// accepts instead of calling into a global metrics registry. The relay
// pipeline's own HTTP/metrics plumbing is out of scope; this
// interface is the seam a caller wires a real registry into.
type Metrics interface {
	IncrCounter(name string, tags map[string]string)
	ObserveDuration(name string, tags map[string]string, seconds float64)
	SetGauge(name string, tags map[string]string, value float64)
}

// NopMetrics is a Metrics implementation that discards everything. Useful
// as the default when no registry is wired in, and in tests.
type NopMetrics struct{}

func (NopMetrics) IncrCounter(string, map[string]string)                 {}
func (NopMetrics) ObserveDuration(string, map[string]string, float64)    {}
func (NopMetrics) SetGauge(string, map[string]string, float64)           {}
