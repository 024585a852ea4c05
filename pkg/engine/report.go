package engine

import (
	"context"
	"errors"
	"time"
)

// Outcome summarizes what happened to one identity.
type Outcome string

const (
	// OutcomeNoop means the identity already matched.
	OutcomeNoop Outcome = "noop"
	// OutcomeUpdated means a command ran and the observed state changed.
	OutcomeUpdated Outcome = "updated"
	// OutcomeSuccess means a command ran but the observed state did not
	// change, e.g. a service restart.
	OutcomeSuccess Outcome = "success"
	// OutcomePlanned means a change was decided in why-run mode.
	OutcomePlanned Outcome = "planned"
	// OutcomeError means the identity ended in the ERROR phase.
	OutcomeError Outcome = "error"
)

// ItemResult is the result for one identity.
type ItemResult struct {
	Identity Identity `json:"identity"`
	Phase    Phase    `json:"phase"`
	Outcome  Outcome  `json:"outcome"`

	// Decision is the action decided for this identity.
	Decision Action `json:"decision,omitempty"`

	// Version is the version acted on, kept for error diagnostics.
	Version string `json:"version,omitempty"`

	Before    *CurrentState   `json:"before,omitempty"`
	After     *CurrentState   `json:"after,omitempty"`
	Candidate *CandidateState `json:"candidate,omitempty"`

	Updated bool   `json:"updated"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

func (it *ItemResult) fail(err error) {
	it.Phase = PhaseError
	it.Outcome = OutcomeError
	it.Err = err
	it.Message = err.Error()
}

// Report is the result of one Converge call.
type Report struct {
	RunID    string `json:"run_id"`
	Resource string `json:"resource"`
	Provider string `json:"provider"`
	Kind     Kind   `json:"kind"`
	Action   Action `json:"action"`
	WhyRun   bool   `json:"why_run,omitempty"`

	Items []ItemResult `json:"items"`

	// Updated is true iff at least one identity changed state.
	Updated bool `json:"updated"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

func newReport(req Request, provider string) *Report {
	r := &Report{
		RunID:     req.RunID,
		Resource:  req.Resource,
		Provider:  provider,
		Kind:      req.Kind,
		Action:    req.Action,
		WhyRun:    req.WhyRun,
		StartedAt: time.Now().UTC(),
		Items:     make([]ItemResult, len(req.Items)),
	}
	for i, it := range req.Items {
		r.Items[i] = ItemResult{Identity: it.Identity, Phase: PhaseUnresolved}
	}
	return r
}

// failAll marks every unfinished identity as failed with err.
func (r *Report) failAll(err error) {
	for i := range r.Items {
		if r.Items[i].Phase != PhaseError {
			r.Items[i].fail(err)
		}
	}
}

func (r *Report) finish() {
	r.CompletedAt = time.Now().UTC()
	r.Updated = false
	for _, it := range r.Items {
		if it.Updated {
			r.Updated = true
		}
	}
}

// Err joins the errors of all failed identities, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, it := range r.Items {
		if it.Err != nil {
			errs = append(errs, it.Err)
		}
	}
	return errors.Join(errs...)
}

// Failed counts identities in the ERROR phase.
func (r *Report) Failed() int {
	n := 0
	for _, it := range r.Items {
		if it.Phase == PhaseError {
			n++
		}
	}
	return n
}

// UpdatedIdentities lists identities whose state changed.
func (r *Report) UpdatedIdentities() []Identity {
	var ids []Identity
	for _, it := range r.Items {
		if it.Updated {
			ids = append(ids, it.Identity)
		}
	}
	return ids
}

// Duration is the wall time of the call.
func (r *Report) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// NotificationSink receives the "resource updated" signal. It is called at
// most once per Converge call, and only when Report.Updated is true.
type NotificationSink interface {
	ResourceUpdated(ctx context.Context, report *Report) error
}

// NotificationFunc adapts a function to NotificationSink.
type NotificationFunc func(ctx context.Context, report *Report) error

// ResourceUpdated implements NotificationSink.
func (f NotificationFunc) ResourceUpdated(ctx context.Context, report *Report) error {
	return f(ctx, report)
}
