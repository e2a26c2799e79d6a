package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rampart-ai/rampart/internal/engine"
	"github.com/rampart-ai/rampart/internal/weightstore"
)

const llmSystemPrompt = `You classify HTTP traffic as automated (bot) or human.
You receive a compact description of one request. Respond with a single JSON
object and nothing else: {"classification":"bot"|"human"|"uncertain",
"confidence":<0.0-1.0>,"reason":"<short explanation>"}.`

// chatCompleter is the slice of the OpenAI client the detector needs.
// *openai.Client satisfies it; tests substitute a fake.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// PatternStore is the learned-pattern surface the detector uses. The
// weight-store cache satisfies it.
type PatternStore interface {
	Get(signature string) (weightstore.Entry, bool)
	Put(signature, value string, confidence float32)
}

// llmVerdict is the model's JSON reply.
type llmVerdict struct {
	Classification string  `json:"classification"`
	Confidence     float32 `json:"confidence"`
	Reason         string  `json:"reason"`
}

// LLMDetector asks a language model to judge ambiguous requests. It runs
// in the AI tier and is optional: an unavailable model degrades the run,
// never fails it. Verdicts are written back to the weight store so
// repeated offenders are recognized without another model call.
type LLMDetector struct {
	engine.Spec

	client chatCompleter
	model  string
	store  PatternStore
	logger *zap.Logger

	// learnMu serializes learn writes so a burst of identical requests
	// produces one coherent learn cycle, not interleaved partial ones.
	learnMu sync.Mutex
}

// NewLLMDetector builds the detector around an OpenAI-compatible client.
// store may be nil, which disables learning and recall.
func NewLLMDetector(client *openai.Client, model string, store PatternStore, logger *zap.Logger) *LLMDetector {
	return newLLMDetector(client, model, store, logger)
}

func newLLMDetector(client chatCompleter, model string, store PatternStore, logger *zap.Logger) *LLMDetector {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LLMDetector{
		Spec: engine.Spec{
			DetectorName: "llm_judge",
			DetectorTier: engine.TierAI,
			IsOptional:   true,
			TriggerWait:  5 * time.Millisecond,
			ExecWait:     3 * time.Second,
		},
		client: client,
		model:  model,
		store:  store,
		logger: logger,
	}
}

// Trigger fires only when earlier tiers left the request ambiguous. A
// model call costs orders of magnitude more than the whole fast wave.
func (d *LLMDetector) Trigger(ctx context.Context, run *engine.RunState) bool {
	max := run.MaxConfidence()
	return run.SignalCount() > 0 && max < 0.95
}

func (d *LLMDetector) Detect(ctx context.Context, facts *engine.RequestFacts, run *engine.RunState) ([]engine.Signal, error) {
	sig := d.signature(facts)

	// Recall before asking: a pattern the model has already condemned
	// repeatedly is answered from memory.
	if d.store != nil && sig != "" {
		if e, ok := d.store.Get(sig); ok && e.Value == "bot" && e.Count >= 3 && e.Confidence >= 0.7 {
			return []engine.Signal{{
				Schema:     "llm/v1",
				Confidence: e.Confidence,
				Detail:     fmt.Sprintf("learned pattern (%d prior verdicts)", e.Count),
				Facts:      map[string]string{"source": "learned"},
			}}, nil
		}
	}

	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: d.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llmSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: d.describe(facts, run)},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("llm classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm classify: empty response")
	}

	verdict, err := parseLLMVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		d.logger.Warn("llm reply unparseable",
			zap.String("reply", resp.Choices[0].Message.Content),
			zap.Error(err),
		)
		return nil, fmt.Errorf("llm classify: %w", err)
	}

	d.learn(sig, verdict)

	switch strings.ToLower(verdict.Classification) {
	case "bot":
		return []engine.Signal{{
			Schema:     "llm/v1",
			Confidence: clampConfidence(verdict.Confidence),
			Detail:     verdict.Reason,
			Facts:      map[string]string{"source": "model", "model": d.model},
		}}, nil
	default:
		// "human" and "uncertain" add no suspicion.
		return nil, nil
	}
}

// learn records the model's verdict, bot or human, so recall and decay
// both see it.
func (d *LLMDetector) learn(sig string, v llmVerdict) {
	if d.store == nil || sig == "" {
		return
	}
	label := strings.ToLower(v.Classification)
	if label != "bot" && label != "human" {
		return
	}
	d.learnMu.Lock()
	defer d.learnMu.Unlock()
	d.store.Put(sig, label, clampConfidence(v.Confidence))
}

func (d *LLMDetector) signature(facts *engine.RequestFacts) string {
	if facts.Fingerprint != "" {
		return "llm:" + facts.Fingerprint
	}
	if facts.UserAgent != "" {
		return "llm:ua:" + facts.UserAgent
	}
	return ""
}

// describe renders the request and the run so far as the model's user
// message.
func (d *LLMDetector) describe(facts *engine.RequestFacts, run *engine.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "method=%s path=%s\n", facts.Method, facts.Path)
	fmt.Fprintf(&b, "user_agent=%q\n", facts.UserAgent)
	fmt.Fprintf(&b, "client_ip=%s has_cookies=%v\n", facts.ClientIP, facts.HasCookies)
	for k, v := range facts.Headers {
		fmt.Fprintf(&b, "header %s=%q\n", k, v)
	}
	for _, s := range run.Signals() {
		fmt.Fprintf(&b, "earlier signal: detector=%s confidence=%.2f detail=%q\n", s.Detector, s.Confidence, s.Detail)
	}
	return b.String()
}

// parseLLMVerdict accepts a bare JSON object or one wrapped in a
// markdown code fence.
func parseLLMVerdict(reply string) (llmVerdict, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return llmVerdict{}, err
	}
	if v.Classification == "" {
		return llmVerdict{}, fmt.Errorf("missing classification")
	}
	return v, nil
}

func clampConfidence(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
