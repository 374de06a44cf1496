// Package ai provides the optional trade advisory. The advisor annotates
// positions with a confidence score and short reasoning; it runs off the
// decision path under a hard timeout and never gates or delays execution.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"topstepx-trading-bot/internal/ai/llm"
	"topstepx-trading-bot/internal/logging"
	"topstepx-trading-bot/internal/market"
)

// TradeContext describes a freshly opened position attempt for evaluation.
type TradeContext struct {
	Symbol     string
	Side       string
	EntryPrice float64
	TP1Price   float64
	StopLoss   float64
	Profile    *market.VolumeProfile
}

// Advice is the advisor's annotation.
type Advice struct {
	Confidence float64 `json:"confidence"` // 0..1
	Reasoning  string  `json:"reasoning"`
}

// Advisor evaluates a trade context. Implementations must respect the
// context deadline.
type Advisor interface {
	Evaluate(ctx context.Context, tc TradeContext) (Advice, error)
}

// AdvisorySink receives the annotation. The position state machine
// implements it; late annotations for closed positions are discarded there.
type AdvisorySink interface {
	AttachAdvisory(symbol, reasoning string, confidence float64)
}

const advisorySystemPrompt = `You are a futures trading analyst. Given a planned ` +
	`limit entry derived from a volume profile, assess how well the setup aligns ` +
	`with the profile structure. Respond with JSON only: ` +
	`{"confidence": <0..1>, "reasoning": "<one sentence>"}`

// LLMAdvisor evaluates trades with an LLM completion.
type LLMAdvisor struct {
	client *llm.Client
}

// NewLLMAdvisor creates an advisor over an LLM client.
func NewLLMAdvisor(client *llm.Client) *LLMAdvisor {
	return &LLMAdvisor{client: client}
}

// Evaluate asks the model for a confidence score on the setup.
func (a *LLMAdvisor) Evaluate(ctx context.Context, tc TradeContext) (Advice, error) {
	var profile string
	if tc.Profile != nil {
		profile = fmt.Sprintf("POC %.2f, VAH %.2f, VAL %.2f, range %.2f-%.2f over %d bars",
			tc.Profile.PointOfControl, tc.Profile.ValueAreaHigh, tc.Profile.ValueAreaLow,
			tc.Profile.RangeLow, tc.Profile.RangeHigh, tc.Profile.BarCount)
	}

	prompt := fmt.Sprintf(
		"Symbol: %s\nSide: %s\nEntry: %.2f\nFirst target: %.2f\nStop: %.2f\nVolume profile: %s",
		tc.Symbol, tc.Side, tc.EntryPrice, tc.TP1Price, tc.StopLoss, profile,
	)

	reply, err := a.client.Complete(ctx, advisorySystemPrompt, prompt)
	if err != nil {
		return Advice{}, err
	}
	return parseAdvice(reply)
}

// parseAdvice extracts the JSON advice from a model reply, tolerating
// surrounding prose or markdown fencing.
func parseAdvice(reply string) (Advice, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Advice{}, fmt.Errorf("no JSON object in advisory reply")
	}

	var advice Advice
	if err := json.Unmarshal([]byte(reply[start:end+1]), &advice); err != nil {
		return Advice{}, fmt.Errorf("error parsing advisory reply: %w", err)
	}
	if advice.Confidence < 0 {
		advice.Confidence = 0
	}
	if advice.Confidence > 1 {
		advice.Confidence = 1
	}
	return advice, nil
}

// Analyzer dispatches advisory evaluations fire-and-forget.
type Analyzer struct {
	advisor Advisor
	timeout time.Duration
	log     *logging.Logger
}

// NewAnalyzer creates an analyzer with a hard per-evaluation timeout.
func NewAnalyzer(advisor Advisor, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Analyzer{
		advisor: advisor,
		timeout: timeout,
		log:     logging.WithComponent("advisor"),
	}
}

// Analyze evaluates the trade in the background and attaches the result to
// the sink if the position is still open when the advice arrives. Failures
// and timeouts are logged and dropped.
func (a *Analyzer) Analyze(sink AdvisorySink, tc TradeContext) {
	if a == nil || a.advisor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		advice, err := a.advisor.Evaluate(ctx, tc)
		if err != nil {
			a.log.Warn("advisory evaluation failed", "symbol", tc.Symbol, "error", err)
			return
		}
		sink.AttachAdvisory(tc.Symbol, advice.Reasoning, advice.Confidence)
		a.log.Info("advisory attached", "symbol", tc.Symbol, "confidence", advice.Confidence)
	}()
}
