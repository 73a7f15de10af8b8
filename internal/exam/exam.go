// Package exam draws the question set of one exam attempt.
package exam

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/vagifmammadli/finalexam/internal/model"
)

// ErrInsufficientQuestions is returned when a subject cannot fill every tier of the blueprint.
var ErrInsufficientQuestions = errors.New("insufficient questions")

// QuestionSource is the part of the store the selector reads from.
type QuestionSource interface {
	ListQuestionsByDifficulty(ctx context.Context, subjectID uint, d model.Difficulty) ([]model.Question, error)
	CountQuestionsByDifficulty(ctx context.Context, subjectID uint) (map[model.Difficulty]int, error)
}

// Blueprint is the number of questions drawn per tier.
type Blueprint map[model.Difficulty]int

// DefaultBlueprint is 2 Easy, 2 Medium and 1 Hard question.
var DefaultBlueprint = Blueprint{
	model.DifficultyEasy:   2,
	model.DifficultyMedium: 2,
	model.DifficultyHard:   1,
}

// Size returns the number of questions in an exam built from b.
func (b Blueprint) Size() int {
	n := 0
	for _, d := range model.Difficulties {
		n += b[d]
	}
	return n
}

// Satisfied reports whether the given tier counts can fill b.
func (b Blueprint) Satisfied(counts map[model.Difficulty]int) bool {
	for _, d := range model.Difficulties {
		if counts[d] < b[d] {
			return false
		}
	}
	return true
}

// Selector picks questions uniformly at random without replacement.
type Selector struct {
	source    QuestionSource
	blueprint Blueprint

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand sets the random source, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *Selector) { s.rng = rng }
}

// WithBlueprint overrides DefaultBlueprint.
func WithBlueprint(b Blueprint) Option {
	return func(s *Selector) { s.blueprint = b }
}

// NewSelector creates a Selector reading from source.
func NewSelector(source QuestionSource, opts ...Option) *Selector {
	s := &Selector{
		source:    source,
		blueprint: DefaultBlueprint,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

// Blueprint returns a copy of the tier counts the selector draws.
func (s *Selector) Blueprint() Blueprint {
	b := make(Blueprint, len(s.blueprint))
	for d, n := range s.blueprint {
		b[d] = n
	}
	return b
}

// Availability returns the per-tier question counts of a subject and whether
// an exam can be drawn from it.
func (s *Selector) Availability(ctx context.Context, subjectID uint) (map[model.Difficulty]int, bool, error) {
	counts, err := s.source.CountQuestionsByDifficulty(ctx, subjectID)
	if err != nil {
		return nil, false, fmt.Errorf("count questions: %w", err)
	}
	return counts, s.blueprint.Satisfied(counts), nil
}

// SelectExam returns the questions of a new attempt ordered Easy, Medium, Hard.
func (s *Selector) SelectExam(ctx context.Context, subjectID uint) ([]model.Question, error) {
	pools := make(map[model.Difficulty][]model.Question, len(model.Difficulties))
	var short []string
	for _, d := range model.Difficulties {
		qs, err := s.source.ListQuestionsByDifficulty(ctx, subjectID, d)
		if err != nil {
			return nil, fmt.Errorf("list %s questions: %w", d, err)
		}
		if len(qs) < s.blueprint[d] {
			short = append(short, fmt.Sprintf("%s %d/%d", d, len(qs), s.blueprint[d]))
		}
		pools[d] = qs
	}
	if len(short) > 0 {
		return nil, fmt.Errorf("subject %d: %w (%v)", subjectID, ErrInsufficientQuestions, short)
	}

	selected := make([]model.Question, 0, s.blueprint.Size())
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range model.Difficulties {
		qs := pools[d]
		s.rng.Shuffle(len(qs), func(i, j int) {
			qs[i], qs[j] = qs[j], qs[i]
		})
		selected = append(selected, qs[:s.blueprint[d]]...)
	}
	return selected, nil
}
