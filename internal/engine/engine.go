package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/redteam/internal/apperr"
	"github.com/seantiz/redteam/internal/lock"
	"github.com/seantiz/redteam/internal/model"
	"github.com/seantiz/redteam/internal/payload"
	"github.com/seantiz/redteam/internal/probe"
	"github.com/seantiz/redteam/internal/snapshot"
	"github.com/seantiz/redteam/internal/store"
	"github.com/seantiz/redteam/internal/strategy"
	"github.com/seantiz/redteam/internal/target"
)

// Messages recorded in error_message for the terminal paths.
const (
	msgNoStrategy      = "no_attack_or_vulnerability"
	prefixCallback     = "callback_error: "
	prefixResolve      = "resolve_error: "
	prefixRedTeam      = "red_team_error: "
	prefixNormalize    = "normalize_failed: "
	prefixSave         = "save_error: "
	prefixFatal        = "fatal_error: "
	metadataAttackKey  = "total_attacks"
	defaultAttackCount = 1
)

// Locker guards a job against concurrent executions.
type Locker interface {
	// TryLock takes the lock for key and reports whether it was acquired.
	TryLock(ctx context.Context, key string) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Workers int
	// Locker defaults to an in-process lock table.
	Locker    Locker
	Snapshots snapshot.Writer
	Logger    *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine orchestrates job execution.
type Engine struct {
	store      store.Store
	targets    *target.Registry
	strategies *strategy.Resolver
	probes     probe.Engine

	pool      *Pool
	locker    Locker
	snapshots snapshot.Writer
	broker    *EventBroker
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an execution engine.
func New(s store.Store, targets *target.Registry, strategies *strategy.Resolver, probes probe.Engine, opts Options) *Engine {
	e := &Engine{
		store:      s,
		targets:    targets,
		strategies: strategies,
		probes:     probes,
		pool:       NewPool(opts.Workers),
		locker:     opts.Locker,
		snapshots:  opts.Snapshots,
		broker:     NewEventBroker(),
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if e.locker == nil {
		e.locker = lock.NewMemory()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Ping checks that the job store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "ping store")
	}
	return nil
}

// Wait blocks until all in-flight executions complete.
func (e *Engine) Wait() {
	e.pool.Wait()
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// touch refreshes updated_at without ever moving it backwards.
func (e *Engine) touch(j *model.Job) time.Time {
	now := e.clock()
	if now.Before(j.UpdatedAt) {
		now = j.UpdatedAt
	}
	j.UpdatedAt = now
	return now
}

// Submit persists a new job in the running state and returns the stored
// record. An empty id is replaced by a generated one; an id that is already
// taken yields a conflict and leaves the stored record untouched.
func (e *Engine) Submit(ctx context.Context, req *model.Job) (*model.Job, error) {
	now := e.clock()
	j := &model.Job{
		ID:                     strings.TrimSpace(req.ID),
		ProjectID:              req.ProjectID,
		TargetID:               req.TargetID,
		VulnerabilityCatalogID: req.VulnerabilityCatalogID,
		VulnerabilityType:      req.VulnerabilityType,
		VulnerabilitySubtype:   req.VulnerabilitySubtype,
		AttackMethod:           req.AttackMethod,
		NumberOfAttacks:        req.NumberOfAttacks,
		ProbeMetadata:          req.ProbeMetadata,
		Target:                 req.Target,
		Status:                 model.StatusRunning,
		StartedAt:              &now,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if j.ID == "" {
		j.ID = model.NewIDAt(now)
	}

	sess, err := e.store.Session(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "open session")
	}
	defer sess.Close()

	if err := sess.InsertJob(ctx, j); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflictf("job %q already exists", j.ID)
		}
		return nil, apperr.Wrap(err, apperr.CodeInternal, "persist job")
	}

	observeTransition(model.StatusRunning, nil)
	e.record(ctx, sess, j.ID, model.StatusRunning, "submitted")
	e.logger.Info("job submitted", "job_id", j.ID, "target_type", j.EndpointType)
	return j.Redacted(), nil
}

// Result returns the stored record for id.
func (e *Engine) Result(ctx context.Context, id string) (*model.Job, error) {
	sess, err := e.store.Session(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "open session")
	}
	defer sess.Close()

	j, err := e.load(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	return j.Redacted(), nil
}

func (e *Engine) load(ctx context.Context, sess store.Session, id string) (*model.Job, error) {
	j, err := sess.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("job %q not found", id)
		}
		return nil, apperr.Wrap(err, apperr.CodeInternal, "load job")
	}
	return j, nil
}

// List returns a page of jobs, newest first, and the total count.
func (e *Engine) List(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	jobs, total, err := e.store.ListJobs(ctx, limit, offset)
	if err != nil {
		return nil, 0, apperr.Wrap(err, apperr.CodeInternal, "list jobs")
	}
	for i, j := range jobs {
		jobs[i] = j.Redacted()
	}
	return jobs, total, nil
}

// Stats returns aggregate job statistics.
func (e *Engine) Stats(ctx context.Context) (*store.JobStats, error) {
	stats, err := e.store.GetJobStats(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "job stats")
	}
	return stats, nil
}

// Events returns the persisted status events of a job.
func (e *Engine) Events(ctx context.Context, id string) ([]model.Event, error) {
	if _, err := e.Result(ctx, id); err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list events")
	}
	return events, nil
}

// Run dispatches the execution of a submitted job and waits for it to finish
// or for timeout to elapse. A zero timeout waits indefinitely.
//
// On timeout the record is marked timed_out unless it already reached a
// terminal state, and a timeout error is returned. The execution itself
// keeps running and its terminal write may later replace timed_out.
func (e *Engine) Run(ctx context.Context, id string, timeout time.Duration) (*model.Job, error) {
	j, err := e.Result(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(j.Status) {
		return nil, apperr.Conflictf("job %q already finished with status %s", id, j.Status)
	}

	ok, err := e.locker.TryLock(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "acquire run lock")
	}
	if !ok {
		return nil, apperr.Conflictf("job %q is already executing", id)
	}

	// A concurrent run may have finished between the check above and the lock.
	if j, err = e.Result(ctx, id); err != nil || model.IsTerminal(j.Status) {
		if uerr := e.locker.Unlock(ctx, id); uerr != nil {
			e.logger.Warn("failed to release run lock", "job_id", id, "error", uerr)
		}
		if err != nil {
			return nil, err
		}
		return nil, apperr.Conflictf("job %q already finished with status %s", id, j.Status)
	}

	e.broker.Reopen(id)
	jobsInFlight.Inc()
	done := e.pool.Go(ctx, func(ctx context.Context) {
		defer jobsInFlight.Dec()
		defer func() {
			if err := e.locker.Unlock(ctx, id); err != nil {
				e.logger.Warn("failed to release run lock", "job_id", id, "error", err)
			}
		}()
		e.execute(ctx, id)
	})

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-done:
		return e.Result(context.WithoutCancel(ctx), id)
	case <-deadline:
		return e.markTimedOut(context.WithoutCancel(ctx), id, timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return e.markTimedOut(context.WithoutCancel(ctx), id, timeout)
		}
		return nil, apperr.Wrap(ctx.Err(), apperr.CodeCanceled, "wait for job")
	}
}

// markTimedOut records timed_out on a fresh session. A record that already
// reached a terminal state is returned as is.
func (e *Engine) markTimedOut(ctx context.Context, id string, timeout time.Duration) (*model.Job, error) {
	timeoutErr := apperr.Newf(apperr.CodeTimeout, "job %q did not finish within %s", id, timeout)

	sess, err := e.store.Session(ctx)
	if err != nil {
		e.logger.Error("failed to open session for timeout mark", "job_id", id, "error", err)
		return nil, timeoutErr
	}
	defer sess.Close()

	j, err := e.load(ctx, sess, id)
	if err != nil {
		e.logger.Error("failed to load job for timeout mark", "job_id", id, "error", err)
		return nil, timeoutErr
	}
	if !model.ValidTransition(j.Status, model.StatusTimedOut) {
		return j.Redacted(), nil
	}

	now := e.touch(j)
	j.Status = model.StatusTimedOut
	j.ErrorMessage = fmt.Sprintf("execution timed out after %s", timeout)
	j.ExecutionDurationMS = elapsedMS(j.StartedAt, now)
	if err := sess.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to mark job timed out", "job_id", id, "error", err)
		return nil, timeoutErr
	}

	observeTransition(j.Status, j.ExecutionDurationMS)
	e.record(ctx, sess, id, j.Status, j.ErrorMessage)
	e.logger.Warn("job timed out", "job_id", id, "timeout", timeout)
	return j.Redacted(), timeoutErr
}

func elapsedMS(start *time.Time, now time.Time) *int64 {
	var ms int64
	if start != nil {
		ms = max(now.Sub(*start).Milliseconds(), 0)
	}
	return &ms
}

// record persists a status event and publishes it to live subscribers.
// Event failures never change the job's outcome.
func (e *Engine) record(ctx context.Context, sess store.Session, id, status, message string) {
	ev, err := sess.AppendEvent(ctx, id, status, message)
	if err != nil {
		e.logger.Error("failed to persist job event", "job_id", id, "status", status, "error", err)
		return
	}
	e.broker.Publish(*ev)
}

// saveError marks a failure of the terminal write itself.
type saveError struct{ err error }

func (e *saveError) Error() string { return e.err.Error() }
func (e *saveError) Unwrap() error { return e.err }

// execute runs one execution attempt. Anything the attempt does not settle
// itself, including a panic, is recorded as error on a second session.
func (e *Engine) execute(ctx context.Context, id string) {
	defer e.broker.Close(id)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job execution panicked", "job_id", id, "panic", r)
			e.recordFailure(ctx, id, fmt.Sprintf("%s%v", prefixFatal, r))
		}
	}()

	if err := e.attempt(ctx, id); err != nil {
		msg := prefixFatal + err.Error()
		var se *saveError
		if errors.As(err, &se) {
			msg = prefixSave + se.err.Error()
		}
		e.logger.Error("job execution failed", "job_id", id, "error", err)
		e.recordFailure(ctx, id, msg)
	}
}

// outcome is the terminal state an attempt settles on.
type outcome struct {
	status  string
	message string
	result  []byte
}

func (e *Engine) attempt(ctx context.Context, id string) error {
	sess, err := e.store.Session(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	j, err := e.load(ctx, sess, id)
	if err != nil {
		return err
	}
	log := e.logger.With("job_id", id)
	if model.IsTerminal(j.Status) {
		log.Warn("skipping execution of finished job", "status", j.Status)
		return nil
	}

	provider, err := e.targets.Resolve(j.Target)
	if err != nil {
		log.Warn("target callback rejected", "error", err)
		return e.finish(ctx, sess, j, outcome{status: model.StatusFailed, message: prefixCallback + err.Error()})
	}
	defer func() {
		if err := provider.Close(); err != nil {
			log.Warn("failed to close target provider", "error", err)
		}
	}()

	count := attacksPerVulnerability(j)
	attacks, vulns, err := e.resolveStrategies(j, count)
	if err != nil {
		log.Warn("strategy resolution failed", "error", err)
		return e.finish(ctx, sess, j, outcome{status: model.StatusFailed, message: prefixResolve + err.Error()})
	}
	if len(attacks) == 0 && len(vulns) == 0 {
		return e.finish(ctx, sess, j, outcome{status: model.StatusFailed, message: msgNoStrategy})
	}

	log.Info("starting probe run", "attacks", len(attacks), "vulnerabilities", len(vulns), "attacks_per_vulnerability", count)
	res, err := e.redTeam(ctx, probe.Request{
		Callback:                provider.Generate,
		Attacks:                 attacks,
		Vulnerabilities:         vulns,
		AttacksPerVulnerability: count,
		IgnoreErrors:            true,
	})
	if err != nil {
		log.Error("probe run failed", "error", err)
		return e.finish(ctx, sess, j, outcome{status: model.StatusError, message: prefixRedTeam + err.Error()})
	}

	raw, err := payload.Normalize(res.Flatten())
	if err != nil {
		log.Error("failed to normalize probe result", "error", err)
		raw = payload.ErrorPayload(prefixNormalize + err.Error())
	}
	return e.finish(ctx, sess, j, outcome{status: model.StatusCompleted, result: raw})
}

func (e *Engine) redTeam(ctx context.Context, req probe.Request) (*probe.Result, error) {
	out, err := e.probes.RedTeam(ctx, req)
	if err != nil {
		return nil, err
	}
	return probe.Await(ctx, out)
}

func (e *Engine) resolveStrategies(j *model.Job, count int) ([]strategy.Attack, []strategy.Vulnerability, error) {
	var attacks []strategy.Attack
	if a := e.strategies.Attack(j.AttackMethod, count); a != nil {
		attacks = append(attacks, *a)
	}

	var vulns []strategy.Vulnerability
	v, err := e.strategies.Vulnerability(j.VulnerabilityType, j.VulnerabilitySubtype)
	if err != nil {
		return nil, nil, err
	}
	if v != nil {
		vulns = append(vulns, *v)
	}
	return attacks, vulns, nil
}

// attacksPerVulnerability prefers probe_metadata.total_attacks, then
// number_of_attacks, then 1.
func attacksPerVulnerability(j *model.Job) int {
	if n, ok := positiveInt(j.ProbeMetadata[metadataAttackKey]); ok {
		return n
	}
	if j.NumberOfAttacks != nil && *j.NumberOfAttacks > 0 {
		return *j.NumberOfAttacks
	}
	return defaultAttackCount
}

func positiveInt(v any) (int, bool) {
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		n = int(x)
	case interface{ Int64() (int64, error) }:
		i, err := x.Int64()
		if err != nil {
			return 0, false
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	return n, n > 0
}

// finish writes the terminal state of an attempt and the snapshot.
func (e *Engine) finish(ctx context.Context, sess store.Session, j *model.Job, o outcome) error {
	if !model.ValidTransition(j.Status, o.status) {
		e.logger.Error("refusing job transition", "job_id", j.ID, "from", j.Status, "to", o.status)
		return nil
	}
	now := e.touch(j)
	j.Status = o.status
	j.ErrorMessage = o.message
	j.ExecutionDurationMS = elapsedMS(j.StartedAt, now)
	j.ResultData = o.result
	j.SeverityScore, j.ConfidenceScore, j.SuccessIndicator = nil, nil, nil
	j.CompletedAt = nil
	if o.status == model.StatusCompleted {
		j.CompletedAt = &now
		j.SeverityScore = scoreOf(o.result, "severity_score")
		j.ConfidenceScore = scoreOf(o.result, "confidence_score")
		if v, ok := payload.Lookup(o.result, "success_indicator"); ok {
			if b, ok := v.(bool); ok {
				j.SuccessIndicator = &b
			}
		}
	}

	if err := sess.UpdateJob(ctx, j); err != nil {
		return &saveError{err: err}
	}

	observeTransition(j.Status, j.ExecutionDurationMS)
	e.record(ctx, sess, j.ID, j.Status, j.ErrorMessage)
	e.logger.Info("job finished", "job_id", j.ID, "status", j.Status, "duration_ms", *j.ExecutionDurationMS)
	e.snapshot(ctx, j)
	return nil
}

func scoreOf(raw []byte, key string) *float64 {
	v, ok := payload.Lookup(raw, key)
	if !ok {
		return nil
	}
	var f float64
	switch x := v.(type) {
	case interface{ Float64() (float64, error) }:
		var err error
		if f, err = x.Float64(); err != nil {
			return nil
		}
	case float64:
		f = x
	default:
		return nil
	}
	return &f
}

// snapshot writes the job's snapshot. A failing or panicking writer is
// logged and never affects the job.
func (e *Engine) snapshot(ctx context.Context, j *model.Job) {
	if e.snapshots == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("failed to write job snapshot", "job_id", j.ID, "panic", r)
		}
	}()
	if err := e.snapshots.Write(ctx, j); err != nil {
		e.logger.Warn("failed to write job snapshot", "job_id", j.ID, "error", err)
	}
}

// recordFailure writes the error state through a session of its own, so a
// broken primary session cannot prevent it. If this write fails too, or the
// job already settled on completed, error or failed, the job keeps its last
// written state.
func (e *Engine) recordFailure(ctx context.Context, id, message string) {
	sess, err := e.store.Session(ctx)
	if err != nil {
		e.logger.Error("failed to open fallback session; job left in last written state", "job_id", id, "error", err)
		return
	}
	defer sess.Close()

	j, err := sess.GetJob(ctx, id)
	if err != nil {
		e.logger.Error("failed to reload job for failure record", "job_id", id, "error", err)
		return
	}
	if !model.ValidTransition(j.Status, model.StatusError) {
		e.logger.Warn("job already finished; failure not recorded", "job_id", id, "status", j.Status, "failure", message)
		return
	}

	now := e.touch(j)
	j.Status = model.StatusError
	j.ErrorMessage = message
	j.ExecutionDurationMS = elapsedMS(j.StartedAt, now)
	j.CompletedAt = nil
	if err := sess.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to record job failure; job left in last written state", "job_id", id, "error", err)
		return
	}

	observeTransition(j.Status, j.ExecutionDurationMS)
	e.record(ctx, sess, id, j.Status, message)
	e.snapshot(ctx, j)
}
