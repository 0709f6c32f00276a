// Package moderation provides a content-moderation processor backed by an
// LLM classifier. The classifier is an auxiliary call: when it fails the
// processor fails open and lets content through rather than failing the
// user's run.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/agentwire/cache"
	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
	"goa.design/agentwire/processor"
	"goa.design/agentwire/telemetry"
)

type (
	// Strategy selects what happens when content is flagged.
	Strategy string

	// Options configures a moderation processor.
	Options struct {
		// Client is the model client used for classification. Required.
		Client model.Client
		// Model is the classifier model identifier. Required.
		Model string
		// Categories lists the moderation categories to screen for.
		// Defaults to DefaultCategories.
		Categories []string
		// Strategy selects the flagged-content behavior. Defaults to
		// StrategyBlock.
		Strategy Strategy
		// ChunkWindow is the number of text deltas accumulated between
		// classifier calls on the stream phase. Defaults to 10. The window
		// counter lives in the processor's per-run state.
		ChunkWindow int
		// Cache stores classifier verdicts keyed by content hash so
		// identical text is never classified twice. Optional.
		Cache cache.Cache
		// Logger receives classifier failures and warn-strategy hits.
		Logger telemetry.Logger
	}

	// Processor screens input messages and streamed text against a set of
	// moderation categories.
	Processor struct {
		client     model.Client
		model      string
		categories []string
		strategy   Strategy
		window     int
		cache      cache.Cache
		logger     telemetry.Logger
	}

	verdict struct {
		Flagged    bool     `json:"flagged"`
		Categories []string `json:"categories"`
		Reason     string   `json:"reason"`
	}
)

const (
	// StrategyBlock aborts the run when content is flagged.
	StrategyBlock Strategy = "block"
	// StrategyWarn logs the hit and lets the content through.
	StrategyWarn Strategy = "warn"
	// StrategyFilter drops the flagged content from the stream.
	StrategyFilter Strategy = "filter"
)

// DefaultCategories are the categories screened when none are configured.
var DefaultCategories = []string{"hate", "harassment", "self-harm", "sexual/minors", "violence"}

const (
	defaultWindow = 10

	stateBuffer  = "buffer"
	stateCounter = "counter"
)

// New builds a moderation processor from the given options.
func New(opts Options) (*Processor, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("moderation: nil model client")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("moderation: empty model")
	}
	p := &Processor{
		client:     opts.Client,
		model:      opts.Model,
		categories: opts.Categories,
		strategy:   opts.Strategy,
		window:     opts.ChunkWindow,
		cache:      opts.Cache,
		logger:     opts.Logger,
	}
	if len(p.categories) == 0 {
		p.categories = DefaultCategories
	}
	if p.strategy == "" {
		p.strategy = StrategyBlock
	}
	if p.window <= 0 {
		p.window = defaultWindow
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	return p, nil
}

// ID implements processor.Processor.
func (*Processor) ID() string { return "moderation" }

// ProcessInput screens the user messages before the first model call.
func (p *Processor) ProcessInput(ctx context.Context, in *processor.Input) (*processor.Tripwire, error) {
	var sb strings.Builder
	for _, m := range in.Messages.ByRole(messages.RoleUser) {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, nil
	}
	v, ok := p.classify(ctx, text)
	if !ok || !v.Flagged {
		return nil, nil
	}
	switch p.strategy {
	case StrategyWarn:
		p.logger.Warn(ctx, "moderation flagged input", "categories", strings.Join(v.Categories, ","))
		return nil, nil
	case StrategyFilter:
		for _, m := range in.Messages.ByRole(messages.RoleUser) {
			in.Messages.Remove(m.ID)
		}
		return nil, nil
	default:
		return &processor.Tripwire{
			Reason:   reason(v),
			Metadata: map[string]any{"categories": v.Categories},
		}, nil
	}
}

// ProcessStream screens the streamed assistant text. Text deltas accumulate
// in the per-run state and the classifier runs once per window of deltas.
func (p *Processor) ProcessStream(ctx context.Context, in *processor.Stream) (processor.StreamResult, error) {
	delta, ok := in.Chunk.Payload.(chunk.TextDelta)
	if !ok {
		return processor.Keep(), nil
	}

	buf, _ := in.State[stateBuffer].(string)
	count, _ := in.State[stateCounter].(int)
	buf += delta.Text
	count++
	if count < p.window {
		in.State[stateBuffer] = buf
		in.State[stateCounter] = count
		return processor.Keep(), nil
	}
	in.State[stateBuffer] = ""
	in.State[stateCounter] = 0

	v, ok := p.classify(ctx, buf)
	if !ok || !v.Flagged {
		return processor.Keep(), nil
	}
	switch p.strategy {
	case StrategyWarn:
		p.logger.Warn(ctx, "moderation flagged stream", "categories", strings.Join(v.Categories, ","))
		return processor.Keep(), nil
	case StrategyFilter:
		return processor.Drop(), nil
	default:
		return processor.Abort(&processor.Tripwire{
			Reason:   reason(v),
			Metadata: map[string]any{"categories": v.Categories},
		}), nil
	}
}

// classify runs the classifier model over the text. The second return is
// false when the classifier call failed or returned garbage; callers treat
// that as "no violation detected". Verdicts are cached by content hash:
// the categories are part of the key so reconfiguring the screen does not
// replay stale verdicts.
func (p *Processor) classify(ctx context.Context, text string) (verdict, bool) {
	var key string
	if p.cache != nil {
		key = cache.Key("moderation", p.model, strings.Join(p.categories, ","), text)
		if data, ok, err := p.cache.Get(ctx, key); err == nil && ok {
			var v verdict
			if err := json.Unmarshal(data, &v); err == nil {
				return v, true
			}
		}
	}
	resp, err := p.client.Complete(ctx, model.Request{
		Model: p.model,
		Messages: []messages.Message{
			messages.New(messages.RoleSystem, p.prompt()),
			messages.New(messages.RoleUser, text),
		},
	})
	if err != nil {
		p.logger.Warn(ctx, "moderation classifier failed, allowing content", "err", err.Error())
		return verdict{}, false
	}
	var v verdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &v); err != nil {
		p.logger.Warn(ctx, "moderation classifier returned unparseable verdict, allowing content", "err", err.Error())
		return verdict{}, false
	}
	if p.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			if err := p.cache.Set(ctx, key, data); err != nil {
				p.logger.Debug(ctx, "moderation verdict cache write failed", "err", err.Error())
			}
		}
	}
	return v, true
}

func (p *Processor) prompt() string {
	return fmt.Sprintf(`You are a content moderation classifier. Evaluate the user content against these categories: %s.
Respond with a single JSON object: {"flagged": bool, "categories": [string], "reason": string}. No prose.`,
		strings.Join(p.categories, ", "))
}

func reason(v verdict) string {
	if v.Reason != "" {
		return "content flagged by moderation: " + v.Reason
	}
	return "content flagged by moderation"
}

// extractJSON strips a markdown code fence if the model wrapped its answer
// in one.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
