package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/state"
)

// Verdict names what the classifier decided about a response.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictExhaust
	VerdictBlock
)

// Outcome is the classification of one upstream response: the state
// mutation to apply and the error code recorded in the trace. Enumerable so
// tests can table the whole mapping.
type Outcome struct {
	Verdict     Verdict
	BlockReason string
	Seconds     int
	ErrorCode   string
}

// paymentTokens flags billing failures regardless of status code. The set
// is extended by the payment_tokens config option.
var paymentTokens = []string{
	"payment",
	"billing",
	"insufficient quota",
	"insufficient_quota",
	"balance",
	"余额不足",
}

// Classifier maps (status, body, headers) to an Outcome.
type Classifier struct {
	cfg    *config.Config
	tokens []string
}

// NewClassifier builds a classifier with the built-in payment token set plus
// any configured additions, lowercased once.
func NewClassifier(cfg *config.Config) *Classifier {
	tokens := make([]string, 0, len(paymentTokens)+len(cfg.PaymentTokens))
	tokens = append(tokens, paymentTokens...)
	for _, t := range cfg.PaymentTokens {
		if trimmed := strings.ToLower(strings.TrimSpace(t)); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	return &Classifier{cfg: cfg, tokens: tokens}
}

// Classify derives the outcome for one upstream response. bodyHead is the
// leading portion of the response body, used only for token matching.
func (c *Classifier) Classify(status int, bodyHead []byte, header http.Header) Outcome {
	if status == 402 || (status >= 400 && c.matchesPaymentToken(bodyHead)) {
		return Outcome{
			Verdict:     VerdictBlock,
			BlockReason: state.BlockReasonPayment,
			Seconds:     c.cfg.PaymentBlockSeconds,
			ErrorCode:   "payment_required",
		}
	}
	switch {
	case status == 403:
		return Outcome{
			Verdict:   VerdictExhaust,
			Seconds:   c.cfg.RotationCooldownSeconds,
			ErrorCode: strconv.Itoa(status),
		}
	case status == 429:
		seconds := c.cfg.RotationCooldownSeconds
		if retry, ok := parseRetryAfter(header.Get("Retry-After")); ok {
			seconds = retry
		}
		return Outcome{
			Verdict:   VerdictExhaust,
			Seconds:   seconds,
			ErrorCode: "rate_limited",
		}
	case status >= 500 && status <= 599:
		seconds := c.cfg.RotationCooldownSeconds
		if seconds > 60 {
			seconds = 60
		}
		return Outcome{
			Verdict:   VerdictExhaust,
			Seconds:   seconds,
			ErrorCode: strconv.Itoa(status),
		}
	case status >= 400:
		return Outcome{ErrorCode: strconv.Itoa(status)}
	default:
		return Outcome{}
	}
}

// Apply records the request and performs the outcome's mutation. Must run
// under the state lock.
func (c *Classifier) Apply(st *state.State, label string, status int, outcome Outcome) {
	st.RecordRequest(label, status)
	switch outcome.Verdict {
	case VerdictExhaust:
		st.MarkExhausted(label, outcome.Seconds)
	case VerdictBlock:
		st.MarkBlocked(label, outcome.BlockReason, outcome.Seconds)
	}
}

func (c *Classifier) matchesPaymentToken(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lowered := strings.ToLower(string(body))
	for _, token := range c.tokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

// parseRetryAfter understands both integer seconds and HTTP-date forms.
func parseRetryAfter(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return seconds, true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	delta := int(time.Until(when).Seconds())
	if delta < 0 {
		delta = 0
	}
	return delta, true
}
