// Package grading turns an answer into a 0-10 score and feedback using the oracle.
package grading

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vagifmammadli/finalexam/internal/i18n"
	"github.com/vagifmammadli/finalexam/internal/llm"
	"github.com/vagifmammadli/finalexam/internal/llm/prompts"
	"github.com/vagifmammadli/finalexam/internal/metrics"
	"github.com/vagifmammadli/finalexam/internal/model"
)

// DefaultTimeout bounds a single oracle call.
const DefaultTimeout = 60 * time.Second

// Reason explains a degraded outcome.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonMissingCredential Reason = "missing_credential"
	ReasonOracleUnreachable Reason = "oracle_unreachable"
	ReasonUnparsable        Reason = "unparsable"
)

// Request is one answer to grade.
type Request struct {
	QuestionText string
	AnswerText   string
	Image        *llm.Image
	Credential   string
	Lang         string
}

// Outcome is the grade of one answer. Status is graded when the oracle
// returned a parsable score and degraded otherwise, with Reason set.
type Outcome struct {
	Status   model.Outcome
	Reason   Reason
	Score    int
	Feedback string
	Raw      string
}

// Degraded reports whether the outcome was produced without a parsed oracle score.
func (o Outcome) Degraded() bool {
	return o.Status == model.OutcomeDegraded
}

// Grader calls the configured provider with the caller's credential.
type Grader struct {
	provider string
	factory  llm.Factory
	base     llm.ProviderConfig
	prompts  *prompts.Set
	timeout  time.Duration
	logger   *zap.Logger
}

// Option configures a Grader.
type Option func(*Grader)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Grader) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Grader) { g.logger = l }
}

// WithPrompts overrides the embedded prompt templates.
func WithPrompts(s *prompts.Set) Option {
	return func(g *Grader) { g.prompts = s }
}

// New creates a Grader for the named provider. base carries the model and
// endpoint; the API key comes from each Request.
func New(provider string, base llm.ProviderConfig, opts ...Option) (*Grader, error) {
	factory, err := llm.Lookup(provider)
	if err != nil {
		return nil, err
	}
	return NewWithFactory(provider, factory, base, opts...)
}

// NewWithFactory creates a Grader over an explicit factory.
func NewWithFactory(provider string, factory llm.Factory, base llm.ProviderConfig, opts ...Option) (*Grader, error) {
	g := &Grader{
		provider: provider,
		factory:  factory,
		base:     base,
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.prompts == nil {
		set, err := prompts.Default()
		if err != nil {
			return nil, err
		}
		g.prompts = set
	}
	return g, nil
}

// Provider returns the provider name.
func (g *Grader) Provider() string {
	return g.provider
}

// Generator builds a provider client for one credential.
func (g *Grader) Generator(credential string) (llm.Generator, error) {
	cfg := g.base
	cfg.APIKey = credential
	return g.factory(cfg)
}

// Ping checks a credential against the provider.
func (g *Grader) Ping(ctx context.Context, credential string) error {
	gen, err := g.Generator(credential)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return gen.Ping(ctx)
}

// Grade scores one answer. It never fails: problems with the credential or
// the oracle produce a degraded outcome.
func (g *Grader) Grade(ctx context.Context, req Request) Outcome {
	out := g.grade(ctx, req)
	metrics.GradingOutcome(string(out.Status), string(out.Reason))
	return out
}

func (g *Grader) grade(ctx context.Context, req Request) Outcome {
	if req.Credential == "" {
		return Outcome{
			Status:   model.OutcomeDegraded,
			Reason:   ReasonMissingCredential,
			Score:    0,
			Feedback: i18n.Translate(req.Lang, "NoCredentialFeedback", nil),
		}
	}

	prompt, err := g.prompts.BuildGradePrompt(req.Lang, req.QuestionText, req.AnswerText)
	if err != nil {
		g.logger.Error("build prompt", zap.Error(err))
		return g.unreachable(req.Lang, err)
	}

	gen, err := g.Generator(req.Credential)
	if err != nil {
		g.logger.Warn("create oracle client", zap.String("provider", g.provider), zap.Error(err))
		return g.unreachable(req.Lang, err)
	}

	raw, err := g.call(ctx, gen, prompt, req.Image)
	if err != nil && req.Image != nil {
		g.logger.Warn("oracle call with image failed, retrying text only",
			zap.String("provider", g.provider),
			zap.String("code", llm.ErrorCode(err)),
			zap.Error(err))
		raw, err = g.call(ctx, gen, prompt, nil)
	}
	if err != nil {
		g.logger.Warn("oracle call failed",
			zap.String("provider", g.provider),
			zap.String("code", llm.ErrorCode(err)),
			zap.Error(err))
		return g.unreachable(req.Lang, err)
	}

	reply := ParseReply(raw)
	if !reply.Parsed {
		g.logger.Info("oracle reply has no score", zap.String("raw", raw))
		return Outcome{
			Status:   model.OutcomeDegraded,
			Reason:   ReasonUnparsable,
			Score:    reply.Score,
			Feedback: reply.Feedback,
			Raw:      raw,
		}
	}
	return Outcome{
		Status:   model.OutcomeGraded,
		Score:    reply.Score,
		Feedback: reply.Feedback,
		Raw:      raw,
	}
}

func (g *Grader) call(ctx context.Context, gen llm.Generator, prompt string, image *llm.Image) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	raw, err := gen.Generate(ctx, prompt, image)
	metrics.ObserveOracle(g.provider, time.Since(start))
	return raw, err
}

func (g *Grader) unreachable(lang string, err error) Outcome {
	return Outcome{
		Status:   model.OutcomeDegraded,
		Reason:   ReasonOracleUnreachable,
		Score:    UnparsableScore,
		Feedback: i18n.Translate(lang, "GradingFailedFeedback", map[string]any{"Error": err.Error()}),
	}
}
