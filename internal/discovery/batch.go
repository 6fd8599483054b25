package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Batch is one agent's report, as read from a delta file:
//
//	agent: agent-7
//	complete: true
//	observations:
//	  - {mac: "aa:bb:cc:dd:ee:01", ip: 10.0.0.1, observed_at: 2026-03-01T12:00:00Z}
//
// A complete batch lists everything the agent saw in the cycle and
// closes it.
type Batch struct {
	Agent        string  `yaml:"agent"`
	Complete     bool    `yaml:"complete"`
	Observations []Delta `yaml:"observations"`
}

// BatchResult counts what a batch did.
type BatchResult struct {
	Created     int      `json:"created"`
	Updated     int      `json:"updated"`
	Stale       int      `json:"stale"`
	Rejected    int      `json:"rejected"`
	Inactivated []string `json:"inactivated,omitempty"`
}

// ReadBatch decodes a delta file. Unknown fields are errors.
func ReadBatch(r io.Reader) (Batch, error) {
	var b Batch
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("decode delta batch: %w", err)
	}
	if b.Agent == "" {
		return Batch{}, fmt.Errorf("%w: batch has no agent", ErrInvalidDelta)
	}
	return b, nil
}

// Ingest applies every observation of b. Invalid observations are
// counted and skipped; any other error stops the batch. A complete
// batch then ends the agent's cycle.
func (i *Ingestor) Ingest(ctx context.Context, b Batch) (BatchResult, error) {
	var (
		res  BatchResult
		seen = make([]string, 0, len(b.Observations))
	)
	for n, d := range b.Observations {
		dev, outcome, err := i.Apply(ctx, b.Agent, d)
		switch {
		case errors.Is(err, ErrInvalidDelta):
			i.logger.Warn("skip invalid observation", "agent_id", b.Agent, "index", n, "error", err)
			res.Rejected++
			continue
		case err != nil:
			return res, err
		}
		seen = append(seen, dev.MAC)
		switch outcome {
		case OutcomeCreated:
			res.Created++
		case OutcomeUpdated:
			res.Updated++
		case OutcomeStale:
			res.Stale++
		}
	}
	if !b.Complete {
		return res, nil
	}
	cycle, err := i.EndCycle(ctx, b.Agent, seen)
	if err != nil {
		return res, err
	}
	res.Inactivated = cycle.Inactivated
	return res, nil
}
