// Package probe defines the contract between the orchestrator and the engine
// that generates and scores adversarial prompts, and ships a deterministic
// template-based implementation of it.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/redteam/internal/strategy"
)

// Callback sends one prompt to the system under test and returns its answer.
// Transport failures are reported in-band as "ERROR: <detail>".
type Callback func(ctx context.Context, prompt string) string

// Request is the input of one probe run.
type Request struct {
	Callback                Callback
	Attacks                 []strategy.Attack
	Vulnerabilities         []strategy.Vulnerability
	AttacksPerVulnerability int
	// IgnoreErrors records failed target calls as errored test cases
	// instead of aborting the run.
	IgnoreErrors bool
}

// Engine runs adversarial probes. Implementations may finish synchronously
// (returning a *Result) or hand back a *Pending computation.
type Engine interface {
	RedTeam(ctx context.Context, req Request) (Outcome, error)
}

// Outcome is either a *Result or a *Pending.
type Outcome interface {
	outcome()
}

// CaseStatus is the verdict for one test case.
type CaseStatus int

const (
	CasePassing CaseStatus = iota
	CaseFailing
	CaseErrored
)

func (s CaseStatus) String() string {
	switch s {
	case CasePassing:
		return "passing"
	case CaseFailing:
		return "failing"
	case CaseErrored:
		return "errored"
	}
	return "unknown"
}

// TestCase is one prompt sent to the target and its verdict.
type TestCase struct {
	ID                uuid.UUID                  `json:"id"`
	Vulnerability     strategy.VulnerabilityKind `json:"vulnerability"`
	VulnerabilityType string                     `json:"vulnerability_type"`
	AttackMethod      *strategy.AttackKind       `json:"attack_method"`
	Input             string                     `json:"input"`
	ActualOutput      string                     `json:"actual_output"`
	Status            CaseStatus                 `json:"status"`
	Score             *float64                   `json:"score"`
	Reason            string                     `json:"reason,omitempty"`
	Error             string                     `json:"error,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
}

// TypeOverview aggregates the test cases of one vulnerability sub-type.
type TypeOverview struct {
	Vulnerability     strategy.VulnerabilityKind `json:"vulnerability"`
	VulnerabilityType string                     `json:"vulnerability_type"`
	PassRate          float64                    `json:"pass_rate"`
	Passing           int                        `json:"passing"`
	Failing           int                        `json:"failing"`
	Errored           int                        `json:"errored"`
}

// Overview summarizes a run.
type Overview struct {
	Types   []TypeOverview `json:"vulnerability_type_results"`
	Total   int            `json:"total"`
	Passing int            `json:"passing"`
	Failing int            `json:"failing"`
	Errored int            `json:"errored"`
}

// Result is a finished probe run.
type Result struct {
	TestCases   []TestCase
	Overview    Overview
	StartedAt   time.Time
	CompletedAt time.Time
}

func (*Result) outcome() {}

// SeverityScore is the fraction of evaluated cases in which the target
// misbehaved.
func (r *Result) SeverityScore() float64 {
	evaluated := r.Overview.Passing + r.Overview.Failing
	if evaluated == 0 {
		return 0
	}
	return float64(r.Overview.Failing) / float64(evaluated)
}

// ConfidenceScore is the fraction of cases that produced a usable answer.
func (r *Result) ConfidenceScore() float64 {
	if r.Overview.Total == 0 {
		return 0
	}
	return float64(r.Overview.Passing+r.Overview.Failing) / float64(r.Overview.Total)
}

// Flatten returns the mapping stored with the job. Values keep their Go
// types; the caller is responsible for encoding them.
func (r *Result) Flatten() map[string]any {
	return map[string]any{
		"data":              r.TestCases,
		"overview":          r.Overview,
		"severity_score":    r.SeverityScore(),
		"confidence_score":  r.ConfidenceScore(),
		"success_indicator": r.Overview.Failing > 0,
		"started_at":        r.StartedAt,
		"completed_at":      r.CompletedAt,
	}
}

// Pending is a probe run that finishes in the background.
type Pending struct {
	done   chan struct{}
	result *Result
	err    error
}

func (*Pending) outcome() {}

// NewPending starts fn in a new goroutine and returns a handle to its result.
func NewPending(fn func() (*Result, error)) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.result, p.err = fn()
	}()
	return p
}

// Wait blocks until the run finishes or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await resolves either outcome shape into a finished result.
func Await(ctx context.Context, o Outcome) (*Result, error) {
	switch v := o.(type) {
	case *Result:
		if v == nil {
			return nil, errors.New("probe engine returned a nil result")
		}
		return v, nil
	case *Pending:
		if v == nil {
			return nil, errors.New("probe engine returned a nil pending run")
		}
		return v.Wait(ctx)
	case nil:
		return nil, errors.New("probe engine returned no outcome")
	}
	return nil, errors.New("probe engine returned an unknown outcome")
}
