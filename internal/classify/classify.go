// Package classify assigns labels to email events that arrive without any.
// Classification is pluggable; a keyword matcher ships by default and an
// LLM-backed classifier can implement the same interface.
package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/pkg/models"
)

// Result is a classifier's labeling decision.
type Result struct {
	Labels []string
	Reason string
}

// Classifier decides which of the available labels apply to an email.
// Implementations may call external services and must honor ctx.
type Classifier interface {
	Classify(ctx context.Context, email models.EmailSnapshot, available []string) (Result, error)
}

// ── Built-in classifiers ─────────────────────────────────────

// KeywordClassifier labels an email when the label text itself appears in
// the subject or snippet, case-insensitive. Crude but dependency-free.
type KeywordClassifier struct{}

var _ Classifier = KeywordClassifier{}

func (KeywordClassifier) Classify(_ context.Context, email models.EmailSnapshot, available []string) (Result, error) {
	haystack := strings.ToLower(email.Subject + " " + email.Snippet)
	var res Result
	for _, label := range available {
		if label == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(label)) {
			res.Labels = append(res.Labels, label)
		}
	}
	if len(res.Labels) > 0 {
		res.Reason = fmt.Sprintf("matched %s in subject/snippet", strings.Join(res.Labels, ", "))
	}
	return res, nil
}

// Static always answers with a fixed label set, for deployments that route
// everything one way and for tests.
type Static struct {
	Labels []string
	Reason string
}

var _ Classifier = Static{}

func (s Static) Classify(context.Context, models.EmailSnapshot, []string) (Result, error) {
	return Result{Labels: s.Labels, Reason: s.Reason}, nil
}

// ── Service ──────────────────────────────────────────────────

// Service bounds classification time and guarantees at least one label, so
// a broken or slow classifier can never leave an event unroutable.
type Service struct {
	classifier Classifier
	timeout    time.Duration
	fallback   string
}

// NewService wraps a classifier with a timeout and a fallback label.
// A nil classifier gets the built-in keyword matcher.
func NewService(c Classifier, timeout time.Duration, fallback string) *Service {
	if c == nil {
		c = KeywordClassifier{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if fallback == "" {
		fallback = "general"
	}
	return &Service{classifier: c, timeout: timeout, fallback: fallback}
}

// Labels classifies the email against the available label vocabulary, which
// always includes the fallback label. It always returns at least one label;
// on classifier failure or an empty result the fallback label is applied and
// the reason says so.
func (s *Service) Labels(ctx context.Context, email models.EmailSnapshot, available []string) ([]string, string) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.classifier.Classify(cctx, email, withFallback(available, s.fallback))
	if err != nil {
		log.Warn().Err(err).Str("message", email.MessageID).Msg("Classification failed, using fallback label")
		return []string{s.fallback}, "classification failed; defaulted to " + s.fallback
	}
	if len(res.Labels) == 0 {
		return []string{s.fallback}, "no label matched; defaulted to " + s.fallback
	}
	return res.Labels, res.Reason
}

// withFallback extends the vocabulary with the fallback label when missing.
func withFallback(available []string, fallback string) []string {
	for _, l := range available {
		if l == fallback {
			return available
		}
	}
	out := make([]string, 0, len(available)+1)
	out = append(out, available...)
	return append(out, fallback)
}
