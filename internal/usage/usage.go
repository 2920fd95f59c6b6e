// Package usage computes per-message token accounting from the gateway's
// sessions.usage snapshots. The relay never interprets the totals beyond
// well-known keys: a snapshot is captured before and after each chat and
// the message's consumption is the non-negative element-wise difference.
package usage

import (
	"encoding/json"
	"fmt"

	"github.com/openclaw/openclaw-relay/internal/types"
)

// Snapshot is one sessions.usage response. Totals is an opaque numeric
// map; Aggregates carries the per-model rows used only to name the model.
type Snapshot struct {
	Totals     map[string]float64 `json:"totals"`
	Aggregates *Aggregates        `json:"aggregates,omitempty"`
	Raw        json.RawMessage    `json:"-"`
}

// Aggregates is the per-model breakdown attached to a snapshot.
type Aggregates struct {
	ByModel []ModelRow `json:"byModel"`
}

// ModelRow is one aggregate row. Provider and Model compose the canonical
// model name as "provider/model" when both are present.
type ModelRow struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Parse decodes a sessions.usage payload, retaining the raw bytes for
// pass-through diagnostics.
func Parse(payload json.RawMessage) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("usage: decode snapshot: %w", err)
	}
	if s.Totals == nil {
		return nil, fmt.Errorf("usage: snapshot missing totals")
	}
	s.Raw = append(json.RawMessage(nil), payload...)
	return &s, nil
}

// Aliases accepted for each canonical totals key. The first present key
// wins; camelCase is the documented form, snake_case appears in older
// gateways.
var totalKeys = map[string][]string{
	"input":     {"input", "inputTokens", "input_tokens"},
	"output":    {"output", "outputTokens", "output_tokens"},
	"cacheRead": {"cacheRead", "cacheReadTokens", "cache_read", "cache_read_tokens"},
	"total":     {"totalTokens", "total", "total_tokens"},
}

// Diff computes the canonical usage consumed between the incoming and
// outgoing snapshots: element-wise max(0, out−in). The model name comes
// from the outgoing snapshot's first aggregate row.
func Diff(in, out *Snapshot) types.Usage {
	u := types.Usage{
		InputTokens:     delta(in, out, "input"),
		OutputTokens:    delta(in, out, "output"),
		CacheReadTokens: delta(in, out, "cacheRead"),
		TotalTokens:     delta(in, out, "total"),
	}
	if out != nil && out.Aggregates != nil && len(out.Aggregates.ByModel) > 0 {
		row := out.Aggregates.ByModel[0]
		switch {
		case row.Provider != "" && row.Model != "":
			u.Model = row.Provider + "/" + row.Model
		case row.Model != "":
			u.Model = row.Model
		}
	}
	return u
}

func delta(in, out *Snapshot, key string) int64 {
	d := lookup(out, key) - lookup(in, key)
	if d < 0 {
		return 0
	}
	return int64(d)
}

func lookup(s *Snapshot, key string) float64 {
	if s == nil {
		return 0
	}
	for _, alias := range totalKeys[key] {
		if v, ok := s.Totals[alias]; ok {
			return v
		}
	}
	return 0
}
