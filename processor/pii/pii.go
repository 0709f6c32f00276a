// Package pii provides a processor that detects and redacts personally
// identifiable information in input messages and streamed text. Detection
// is pattern based and runs locally, so it adds no latency or failure mode
// to the run.
package pii

import (
	"context"
	"regexp"
	"strings"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
	"goa.design/agentwire/processor"
	"goa.design/agentwire/telemetry"
)

type (
	// Strategy selects what happens when PII is detected.
	Strategy string

	// Detector matches one category of PII.
	Detector struct {
		// Name identifies the category (used in tripwire metadata and
		// redaction placeholders).
		Name string
		// Pattern matches occurrences of the category.
		Pattern *regexp.Regexp
	}

	// Options configures a PII processor.
	Options struct {
		// Strategy selects the detection behavior. Defaults to
		// StrategyRedact.
		Strategy Strategy
		// Detectors overrides the detector set. Defaults to
		// DefaultDetectors.
		Detectors []Detector
		// Logger receives warn-strategy hits.
		Logger telemetry.Logger
	}

	// Processor scans text for PII patterns.
	Processor struct {
		strategy  Strategy
		detectors []Detector
		logger    telemetry.Logger
	}
)

const (
	// StrategyBlock aborts the run when PII is detected.
	StrategyBlock Strategy = "block"
	// StrategyWarn logs the detection and lets the content through.
	StrategyWarn Strategy = "warn"
	// StrategyRedact replaces each occurrence with a category placeholder.
	StrategyRedact Strategy = "redact"
	// StrategyRemove drops flagged chunks from the stream and flagged
	// messages from the input.
	StrategyRemove Strategy = "remove"
)

// DefaultDetectors covers the common PII categories. Patterns favor recall
// over precision; tune with Options.Detectors when false positives matter.
var DefaultDetectors = []Detector{
	{Name: "email", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{Name: "phone", Pattern: regexp.MustCompile(`\+?\d{1,3}[-. (]*\d{3}[-. )]*\d{3}[-. ]*\d{4}\b`)},
	{Name: "ssn", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{Name: "credit-card", Pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)},
	{Name: "ip", Pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// New builds a PII processor from the given options.
func New(opts Options) *Processor {
	p := &Processor{
		strategy:  opts.Strategy,
		detectors: opts.Detectors,
		logger:    opts.Logger,
	}
	if p.strategy == "" {
		p.strategy = StrategyRedact
	}
	if len(p.detectors) == 0 {
		p.detectors = DefaultDetectors
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	return p
}

// ID implements processor.Processor.
func (*Processor) ID() string { return "pii" }

// ProcessInput scans and rewrites the user messages in place.
func (p *Processor) ProcessInput(ctx context.Context, in *processor.Input) (*processor.Tripwire, error) {
	for _, m := range in.Messages.ByRole(messages.RoleUser) {
		clean, hits := p.scan(m.Content)
		if len(hits) == 0 {
			continue
		}
		switch p.strategy {
		case StrategyBlock:
			return &processor.Tripwire{
				Reason:   "input contains PII: " + strings.Join(hits, ", "),
				Metadata: map[string]any{"categories": hits},
			}, nil
		case StrategyWarn:
			p.logger.Warn(ctx, "PII detected in input", "categories", strings.Join(hits, ","))
		case StrategyRemove:
			in.Messages.Remove(m.ID)
		default:
			m.Content = clean
			in.Messages.Replace(m.ID, m)
		}
	}
	return nil, nil
}

// ProcessStream scans streamed text deltas. Redaction only applies to
// occurrences contained in a single delta; split occurrences pass through,
// which keeps the processor stateless per chunk.
func (p *Processor) ProcessStream(ctx context.Context, in *processor.Stream) (processor.StreamResult, error) {
	delta, ok := in.Chunk.Payload.(chunk.TextDelta)
	if !ok {
		return processor.Keep(), nil
	}
	clean, hits := p.scan(delta.Text)
	if len(hits) == 0 {
		return processor.Keep(), nil
	}
	switch p.strategy {
	case StrategyBlock:
		return processor.Abort(&processor.Tripwire{
			Reason:   "stream contains PII: " + strings.Join(hits, ", "),
			Metadata: map[string]any{"categories": hits},
		}), nil
	case StrategyWarn:
		p.logger.Warn(ctx, "PII detected in stream", "categories", strings.Join(hits, ","))
		return processor.Keep(), nil
	case StrategyRemove:
		return processor.Drop(), nil
	default:
		delta.Text = clean
		return processor.Replace(chunk.New(in.Chunk.RunID, in.Chunk.From, delta)), nil
	}
}

// scan applies all detectors to text, returning the redacted text and the
// names of the categories that matched.
func (p *Processor) scan(text string) (string, []string) {
	var hits []string
	for _, d := range p.detectors {
		if !d.Pattern.MatchString(text) {
			continue
		}
		hits = append(hits, d.Name)
		text = d.Pattern.ReplaceAllString(text, "["+d.Name+"]")
	}
	return text, hits
}
