// Package indexer holds the three background sweeps that keep the derived
// layers (tags, embeddings, knowledge graph) consistent with record content.
// Sweeps are incremental and idempotent: each run picks up queued writes plus
// a bounded backlog scan, and unchanged content is skipped by hash.
package indexer

import "fmt"

// Summary reports one sweep run. ConfigError is set when the sweep could not
// run at all because its provider is misconfigured; per-record failures land
// in Failed instead.
type Summary struct {
	Scanned     int    `json:"scanned"`
	Updated     int    `json:"updated"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	ConfigError string `json:"configError,omitempty"`
}

func (s Summary) String() string {
	if s.ConfigError != "" {
		return fmt.Sprintf("config error: %s", s.ConfigError)
	}
	return fmt.Sprintf("scanned=%d updated=%d skipped=%d failed=%d",
		s.Scanned, s.Updated, s.Skipped, s.Failed)
}
