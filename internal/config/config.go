// Package config defines the configuration data shape the orchestrator
// consumes. Loading from file/env/flags is an external
// collaborator out of scope for this module; this package only defines the
// shape and its validation, grounded on
// telemetry/global-monitor/internal/gm/runner.go's RunnerConfig.Validate
// pattern (sequential nil/zero checks returning errors.New/fmt.Errorf).
package config

import (
	"errors"
	"fmt"
)

// SourceKind enumerates the source kinds recognized by sources[].kind.
type SourceKind string

const (
	KindShred          SourceKind = "shred"
	KindStreamShred    SourceKind = "stream-shred"
	KindBaselinePoll   SourceKind = "baseline-poll"
	KindBaselineStream SourceKind = "baseline-stream"
)

// SourceConfig is one entry of the top-level sources[] table.
type SourceConfig struct {
	Name string
	Kind SourceKind

	// Multicast receiver fields (Kind == KindShred).
	Multicast string
	Port      int
	Interface string
	ForkVer   *uint16

	// Optional CPU pinning, either tier.
	PinRecv   *int
	PinDecode *int

	// Subscription fields (Kind == KindStreamShred || KindBaselinePoll ||
	// KindBaselineStream). stream-shred subscribes to a shred-tier gRPC feed
	// (e.g. a ShredStream proxy) the same way baseline-stream subscribes to
	// a confirmed-transaction feed; Endpoint is the dial target and Token,
	// if set, is passed through to whatever auth the deployment's
	// StreamClientFactory applies.
	Endpoint string
	Token    string
}

// IsBaseline reports whether this source kind bypasses the fan-in allowlist
// filter and is excluded from shred-vs-shred race tracking.
func (s *SourceConfig) IsBaseline() bool {
	return s.Kind == KindBaselinePoll || s.Kind == KindBaselineStream
}

// Validate enumerates the required fields per source kind.
func (s *SourceConfig) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	switch s.Kind {
	case KindShred:
		if s.Multicast == "" {
			return fmt.Errorf("source %q: multicast group is required", s.Name)
		}
		if s.Port <= 0 {
			return fmt.Errorf("source %q: port must be greater than 0", s.Name)
		}
	case KindStreamShred, KindBaselinePoll, KindBaselineStream:
		if s.Endpoint == "" {
			return fmt.Errorf("source %q: endpoint is required", s.Name)
		}
	default:
		return fmt.Errorf("source %q: unrecognized kind %q", s.Name, s.Kind)
	}
	return nil
}

// Config is the full probe configuration: the set of sources to
// run plus the optional cross-source program/account allowlist.
type Config struct {
	Sources []SourceConfig

	// FilterPrograms restricts shred-tier transactions to those whose
	// static account keys intersect this allowlist (base58-encoded public
	// keys). Baseline-tier sources always bypass this filter. Empty means
	// no filtering.
	FilterPrograms []string

	// PromListenAddr optionally serves the Prometheus exporter
	// (internal/promexport) on this address, e.g. ":9090". Empty disables
	// it.
	PromListenAddr string
}

// Validate checks the whole configuration: at least one source, each
// source individually valid, and source names unique.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	return nil
}
