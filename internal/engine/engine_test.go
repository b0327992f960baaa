package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/seantiz/redteam/internal/apperr"
	"github.com/seantiz/redteam/internal/engine"
	"github.com/seantiz/redteam/internal/mocks"
	"github.com/seantiz/redteam/internal/model"
	"github.com/seantiz/redteam/internal/probe"
	"github.com/seantiz/redteam/internal/snapshot"
	"github.com/seantiz/redteam/internal/store"
	"github.com/seantiz/redteam/internal/strategy"
	"github.com/seantiz/redteam/internal/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, probes probe.Engine, opts engine.Options) (*engine.Engine, store.Store) {
	t.Helper()
	s := newTestStore(t)
	logger := discardLogger()
	if opts.Logger == nil {
		opts.Logger = logger
	}
	eng := engine.New(s,
		target.NewDefaultRegistry(target.Options{Logger: logger}),
		strategy.NewResolver(logger),
		probes,
		opts,
	)
	t.Cleanup(eng.Wait)
	return eng, s
}

// newChatStub serves the streamed chat answer `{"data":[]}` and counts calls.
func newChatStub(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"{\"data\":[]}"}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func makeJob(endpoint string) *model.Job {
	return &model.Job{
		AttackMethod:      "rot 13",
		VulnerabilityType: "bias",
		Target: model.Target{
			Name:        "llama3",
			EndpointURL: endpoint,
		},
	}
}

func intPtr(n int) *int { return &n }

func submit(t *testing.T, eng *engine.Engine, j *model.Job) *model.Job {
	t.Helper()
	got, err := eng.Submit(context.Background(), j)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return got
}

func TestSubmitPersistsRunningRecord(t *testing.T) {
	eng, _ := newTestEngine(t, mocks.NewMockEngine(gomock.NewController(t)), engine.Options{})

	j := submit(t, eng, makeJob("http://unused"))
	if j.ID == "" {
		t.Fatal("expected a generated id")
	}
	if j.Status != model.StatusRunning {
		t.Errorf("status = %q, want running", j.Status)
	}
	if j.StartedAt == nil || j.UpdatedAt.IsZero() || j.CreatedAt.IsZero() {
		t.Errorf("timestamps not set: started=%v updated=%v created=%v", j.StartedAt, j.UpdatedAt, j.CreatedAt)
	}

	got, err := eng.Result(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.ID != j.ID || got.Status != model.StatusRunning {
		t.Errorf("stored = %s/%s, want %s/running", got.ID, got.Status, j.ID)
	}
}

func TestSubmitDuplicateIDConflicts(t *testing.T) {
	eng, _ := newTestEngine(t, mocks.NewMockEngine(gomock.NewController(t)), engine.Options{})

	first := makeJob("http://first")
	first.ID = "job-1"
	submit(t, eng, first)

	second := makeJob("http://second")
	second.ID = "job-1"
	second.VulnerabilityType = "pii leakage"
	_, err := eng.Submit(context.Background(), second)
	if !apperr.IsConflict(err) {
		t.Fatalf("second Submit error = %v, want conflict", err)
	}

	got, err := eng.Result(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.EndpointURL != "http://first" || got.VulnerabilityType != "bias" {
		t.Errorf("stored record changed by rejected submit: %+v", got)
	}
}

func TestSubmitRedactsCredential(t *testing.T) {
	eng, s := newTestEngine(t, mocks.NewMockEngine(gomock.NewController(t)), engine.Options{})

	j := makeJob("http://x")
	j.APIKey = "secret"
	got := submit(t, eng, j)
	if got.APIKey != "" {
		t.Errorf("Submit returned api key %q", got.APIKey)
	}

	sess, err := s.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer sess.Close()
	stored, err := sess.GetJob(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.APIKey != "secret" {
		t.Errorf("stored api key = %q, want secret", stored.APIKey)
	}
}

func TestResultNotFound(t *testing.T) {
	eng, _ := newTestEngine(t, mocks.NewMockEngine(gomock.NewController(t)), engine.Options{})

	_, err := eng.Result(context.Background(), "missing")
	if !apperr.IsNotFound(err) {
		t.Errorf("Result error = %v, want not found", err)
	}
	_, err = eng.Run(context.Background(), "missing", time.Second)
	if !apperr.IsNotFound(err) {
		t.Errorf("Run error = %v, want not found", err)
	}
}

func TestRunCompletesAgainstChatTarget(t *testing.T) {
	srv, calls := newChatStub(t)
	snapDir := t.TempDir()
	eng, _ := newTestEngine(t, probe.NewSimulator(2, discardLogger()), engine.Options{
		Snapshots: snapshot.NewDir(snapDir),
	})

	j := submit(t, eng, makeJob(srv.URL))
	got, err := eng.Run(context.Background(), j.ID, 10*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.ErrorMessage)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", got.ErrorMessage)
	}
	var result map[string]any
	if err := json.Unmarshal(got.ResultData, &result); err != nil {
		t.Fatalf("result_data is not an object: %v", err)
	}
	if _, ok := result["data"]; !ok {
		t.Errorf("result_data has no data key: %s", got.ResultData)
	}
	if got.ExecutionDurationMS == nil || *got.ExecutionDurationMS < 0 {
		t.Errorf("execution_duration_ms = %v, want >= 0", got.ExecutionDurationMS)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at is nil")
	}
	if got.SeverityScore == nil || *got.SeverityScore != 1 {
		t.Errorf("severity_score = %v, want 1", got.SeverityScore)
	}
	if got.SuccessIndicator == nil || !*got.SuccessIndicator {
		t.Errorf("success_indicator = %v, want true", got.SuccessIndicator)
	}
	if calls.Load() == 0 {
		t.Error("chat target was never called")
	}
	if got.UpdatedAt.Before(j.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v < %v", got.UpdatedAt, j.UpdatedAt)
	}

	b, err := os.ReadFile(filepath.Join(snapDir, j.ID+".json"))
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	if !strings.Contains(string(b), `"status": "completed"`) {
		t.Errorf("snapshot does not hold the final record: %s", b)
	}

	events, err := eng.Events(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 || events[0].Status != model.StatusRunning || events[1].Status != model.StatusCompleted {
		t.Errorf("events = %+v, want running then completed", events)
	}
}

func TestRunWithoutStrategyNeverCallsProbeEngine(t *testing.T) {
	// No expectations: any RedTeam call fails the test.
	spy := mocks.NewMockEngine(gomock.NewController(t))
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := makeJob("http://unused")
	j.AttackMethod = "interpretive dance"
	j.VulnerabilityType = ""
	j = submit(t, eng, j)

	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "no_attack_or_vulnerability" {
		t.Errorf("error_message = %q, want no_attack_or_vulnerability", got.ErrorMessage)
	}
	if got.CompletedAt != nil {
		t.Errorf("completed_at = %v, want nil for a failed job", got.CompletedAt)
	}
}

func TestRunCallbackErrorNeverCallsProbeEngine(t *testing.T) {
	spy := mocks.NewMockEngine(gomock.NewController(t))
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := makeJob("https://example.openai.azure.com")
	j.EndpointType = model.TargetAzureOpenAI
	j = submit(t, eng, j)

	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !strings.HasPrefix(got.ErrorMessage, "callback_error: ") {
		t.Errorf("error_message = %q, want callback_error prefix", got.ErrorMessage)
	}
}

func TestRunInvalidCategoryIsResolveError(t *testing.T) {
	spy := mocks.NewMockEngine(gomock.NewController(t))
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := makeJob("http://unused")
	j.VulnerabilitySubtype = "astrology"
	j = submit(t, eng, j)

	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusFailed || !strings.HasPrefix(got.ErrorMessage, "resolve_error: ") {
		t.Errorf("got %s / %q, want failed with resolve_error", got.Status, got.ErrorMessage)
	}
}

func TestRunProbeEngineErrorRecordsError(t *testing.T) {
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).Return(nil, errors.New("boom"))
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := submit(t, eng, makeJob("http://unused"))
	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusError || got.ErrorMessage != "red_team_error: boom" {
		t.Errorf("got %s / %q, want error / red_team_error: boom", got.Status, got.ErrorMessage)
	}
}

func TestRunPassesProbeRequest(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]any
		count    *int
		want     int
	}{
		{"metadata wins", map[string]any{"total_attacks": 3}, intPtr(2), 3},
		{"declared count", nil, intPtr(2), 2},
		{"default", nil, nil, 1},
		{"ignores non-positive metadata", map[string]any{"total_attacks": 0}, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := mocks.NewMockEngine(gomock.NewController(t))
			var req probe.Request
			spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, r probe.Request) (probe.Outcome, error) {
					req = r
					return &probe.Result{}, nil
				})
			eng, _ := newTestEngine(t, spy, engine.Options{})

			j := makeJob("http://unused")
			j.ProbeMetadata = tt.metadata
			j.NumberOfAttacks = tt.count
			j = submit(t, eng, j)
			if _, err := eng.Run(context.Background(), j.ID, 5*time.Second); err != nil {
				t.Fatalf("Run: %v", err)
			}

			if req.AttacksPerVulnerability != tt.want {
				t.Errorf("attacks per vulnerability = %d, want %d", req.AttacksPerVulnerability, tt.want)
			}
			if !req.IgnoreErrors {
				t.Error("probe request must ignore per-attack errors")
			}
			if req.Callback == nil {
				t.Error("probe request has no callback")
			}
			if len(req.Attacks) != 1 || req.Attacks[0].Kind != strategy.AttackROT13 {
				t.Errorf("attacks = %+v, want rot 13", req.Attacks)
			}
			if len(req.Vulnerabilities) != 1 || req.Vulnerabilities[0].Kind != strategy.VulnBias {
				t.Errorf("vulnerabilities = %+v, want bias", req.Vulnerabilities)
			}
		})
	}
}

func TestRunAwaitsPendingOutcome(t *testing.T) {
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).Return(probe.NewPending(func() (*probe.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return &probe.Result{Overview: probe.Overview{Total: 2, Passing: 2}}, nil
	}), nil)
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := submit(t, eng, makeJob("http://unused"))
	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.SeverityScore == nil || *got.SeverityScore != 0 {
		t.Errorf("severity_score = %v, want 0", got.SeverityScore)
	}
	if got.SuccessIndicator == nil || *got.SuccessIndicator {
		t.Errorf("success_indicator = %v, want false", got.SuccessIndicator)
	}
}

func TestRunNormalizationFailureStillCompletes(t *testing.T) {
	nan := math.NaN()
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).Return(&probe.Result{
		TestCases: []probe.TestCase{{Score: &nan}},
		Overview:  probe.Overview{Total: 1, Failing: 1},
	}, nil)
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := submit(t, eng, makeJob("http://unused"))
	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", got.ErrorMessage)
	}
	var result map[string]string
	if err := json.Unmarshal(got.ResultData, &result); err != nil {
		t.Fatalf("result_data: %v", err)
	}
	if !strings.HasPrefix(result["error"], "normalize_failed: ") {
		t.Errorf("result_data = %s, want normalize_failed error payload", got.ResultData)
	}
}

func TestRunPanicIsRecordedAsFatal(t *testing.T) {
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, probe.Request) (probe.Outcome, error) {
			panic("engine exploded")
		})
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := submit(t, eng, makeJob("http://unused"))
	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusError || got.ErrorMessage != "fatal_error: engine exploded" {
		t.Errorf("got %s / %q, want error / fatal_error: engine exploded", got.Status, got.ErrorMessage)
	}
}

func TestRunCompletesAgainstAzureTarget(t *testing.T) {
	var calls atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"I cannot help with that."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	t.Cleanup(srv.Close)
	eng, _ := newTestEngine(t, probe.NewSimulator(2, discardLogger()), engine.Options{})

	j := makeJob(srv.URL)
	j.Target.Name = "gpt-4o"
	j.Target.EndpointType = model.TargetAzureOpenAI
	j.Target.APIKey = "k"
	j = submit(t, eng, j)

	got, err := eng.Run(context.Background(), j.ID, 10*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", got.Status, got.ErrorMessage)
	}
	if calls.Load() == 0 {
		t.Fatal("azure deployment was never called")
	}
	if p, _ := path.Load().(string); !strings.Contains(p, "/openai/deployments/gpt-4o/chat/completions") {
		t.Errorf("request path = %q, want the deployment's chat completions", p)
	}
	if strings.Contains(string(got.ResultData), "ERROR: ") {
		t.Errorf("result_data holds errored cases: %s", got.ResultData)
	}
	if !strings.Contains(string(got.ResultData), "I cannot help with that.") {
		t.Errorf("result_data lacks the target answer: %s", got.ResultData)
	}
}

// panicWriter is a snapshot writer that always panics.
type panicWriter struct{ calls atomic.Int32 }

func (w *panicWriter) Write(context.Context, *model.Job) error {
	w.calls.Add(1)
	panic("disk exploded")
}

func TestRunPanickingSnapshotKeepsCompleted(t *testing.T) {
	srv, _ := newChatStub(t)
	snaps := &panicWriter{}
	eng, _ := newTestEngine(t, probe.NewSimulator(2, discardLogger()), engine.Options{Snapshots: snaps})

	j := submit(t, eng, makeJob(srv.URL))
	got, err := eng.Run(context.Background(), j.ID, 10*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	eng.Wait()

	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q (%s), want completed", got.Status, got.ErrorMessage)
	}
	stored, err := eng.Result(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if stored.Status != model.StatusCompleted || stored.ErrorMessage != "" {
		t.Errorf("stored = %s / %q, want completed with no error", stored.Status, stored.ErrorMessage)
	}
	if snaps.calls.Load() != 1 {
		t.Errorf("snapshot writes = %d, want 1", snaps.calls.Load())
	}
}

func TestRunPanicWithPanickingSnapshotRecordsError(t *testing.T) {
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, probe.Request) (probe.Outcome, error) {
			panic("engine exploded")
		})
	eng, _ := newTestEngine(t, spy, engine.Options{Snapshots: &panicWriter{}})

	j := submit(t, eng, makeJob("http://unused"))
	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusError || got.ErrorMessage != "fatal_error: engine exploded" {
		t.Errorf("got %s / %q, want error / fatal_error: engine exploded", got.Status, got.ErrorMessage)
	}
}

func TestRunTimeoutMarksTimedOut(t *testing.T) {
	release := make(chan struct{})
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, probe.Request) (probe.Outcome, error) {
			<-release
			return &probe.Result{}, nil
		})
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := submit(t, eng, makeJob("http://unused"))
	got, err := eng.Run(context.Background(), j.ID, 50*time.Millisecond)
	if !apperr.IsTimeout(err) {
		t.Fatalf("Run error = %v, want timeout", err)
	}
	if got == nil || got.Status != model.StatusTimedOut {
		t.Fatalf("returned record = %+v, want timed_out", got)
	}

	stored, err := eng.Result(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if stored.Status != model.StatusTimedOut {
		t.Errorf("stored status at signal = %q, want timed_out", stored.Status)
	}
	if stored.ErrorMessage == "" || stored.ExecutionDurationMS == nil {
		t.Errorf("timed_out record missing message or duration: %+v", stored)
	}

	close(release)
	eng.Wait()
}

func TestRunRejectsTerminalJob(t *testing.T) {
	spy := mocks.NewMockEngine(gomock.NewController(t))
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := makeJob("http://unused")
	j.AttackMethod = ""
	j.VulnerabilityType = ""
	j = submit(t, eng, j)
	if _, err := eng.Run(context.Background(), j.ID, 5*time.Second); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	_, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if !apperr.IsConflict(err) {
		t.Errorf("second Run error = %v, want conflict", err)
	}
}

func TestRunRejectsJobAlreadyExecuting(t *testing.T) {
	ctrl := gomock.NewController(t)
	spy := mocks.NewMockEngine(ctrl)
	locker := mocks.NewMockLocker(ctrl)
	locker.EXPECT().TryLock(gomock.Any(), gomock.Any()).Return(false, nil)
	eng, _ := newTestEngine(t, spy, engine.Options{Locker: locker})

	j := submit(t, eng, makeJob("http://unused"))
	_, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if !apperr.IsConflict(err) {
		t.Errorf("Run error = %v, want conflict", err)
	}
}

func TestRunRejectsJobFinishedWhileAcquiringLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	// No RedTeam expectation: executing the job again fails the test.
	spy := mocks.NewMockEngine(ctrl)
	locker := mocks.NewMockLocker(ctrl)
	eng, s := newTestEngine(t, spy, engine.Options{Locker: locker})

	j := submit(t, eng, makeJob("http://unused"))
	gomock.InOrder(
		locker.EXPECT().TryLock(gomock.Any(), j.ID).DoAndReturn(
			func(ctx context.Context, id string) (bool, error) {
				// Another run settles the job before this one holds the lock.
				sess, err := s.Session(ctx)
				if err != nil {
					return false, err
				}
				defer sess.Close()
				stored, err := sess.GetJob(ctx, id)
				if err != nil {
					return false, err
				}
				stored.Status = model.StatusCompleted
				return true, sess.UpdateJob(ctx, stored)
			}),
		locker.EXPECT().Unlock(gomock.Any(), j.ID).Return(nil),
	)

	_, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if !apperr.IsConflict(err) {
		t.Errorf("Run error = %v, want conflict", err)
	}
	eng.Wait()

	stored, err := eng.Result(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if stored.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", stored.Status)
	}
}

func TestRunReleasesLockAfterExecution(t *testing.T) {
	ctrl := gomock.NewController(t)
	spy := mocks.NewMockEngine(ctrl)
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).Return(&probe.Result{}, nil)
	locker := mocks.NewMockLocker(ctrl)
	gomock.InOrder(
		locker.EXPECT().TryLock(gomock.Any(), "job-lock").Return(true, nil),
		locker.EXPECT().Unlock(gomock.Any(), "job-lock").Return(nil),
	)
	eng, _ := newTestEngine(t, spy, engine.Options{Locker: locker})

	j := makeJob("http://unused")
	j.ID = "job-lock"
	submit(t, eng, j)
	if _, err := eng.Run(context.Background(), "job-lock", 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	eng.Wait()
}

func TestRunLockErrorIsInternal(t *testing.T) {
	ctrl := gomock.NewController(t)
	locker := mocks.NewMockLocker(ctrl)
	locker.EXPECT().TryLock(gomock.Any(), gomock.Any()).Return(false, errors.New("redis down"))
	eng, _ := newTestEngine(t, mocks.NewMockEngine(ctrl), engine.Options{Locker: locker})

	j := submit(t, eng, makeJob("http://unused"))
	_, err := eng.Run(context.Background(), j.ID, time.Second)
	if apperr.CodeOf(err) != apperr.CodeInternal {
		t.Errorf("Run error = %v, want internal", err)
	}
}

func TestRunCanceledCaller(t *testing.T) {
	release := make(chan struct{})
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ probe.Request) (probe.Outcome, error) {
			<-release
			if ctx.Err() != nil {
				t.Errorf("execution context canceled with the caller: %v", ctx.Err())
			}
			return &probe.Result{}, nil
		})
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := submit(t, eng, makeJob("http://unused"))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := eng.Run(ctx, j.ID, 0)
	if apperr.CodeOf(err) != apperr.CodeCanceled {
		t.Fatalf("Run error = %v, want canceled", err)
	}

	close(release)
	eng.Wait()
	got, err := eng.Result(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed after the detached execution finished", got.Status)
	}
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	clock := func() time.Time {
		if calls.Add(1) == 1 {
			return base
		}
		return base.Add(-time.Hour)
	}
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).Return(&probe.Result{}, nil)
	eng, _ := newTestEngine(t, spy, engine.Options{Now: clock})

	j := submit(t, eng, makeJob("http://unused"))
	got, err := eng.Run(context.Background(), j.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !got.UpdatedAt.Equal(base) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, base)
	}
	if got.ExecutionDurationMS == nil || *got.ExecutionDurationMS != 0 {
		t.Errorf("execution_duration_ms = %v, want 0", got.ExecutionDurationMS)
	}
}

func TestEventsStreamToSubscribers(t *testing.T) {
	spy := mocks.NewMockEngine(gomock.NewController(t))
	spy.EXPECT().RedTeam(gomock.Any(), gomock.Any()).Return(&probe.Result{}, nil)
	eng, _ := newTestEngine(t, spy, engine.Options{})

	j := submit(t, eng, makeJob("http://unused"))
	ch, unsub := eng.Broker().Subscribe(j.ID)
	defer unsub()

	if _, err := eng.Run(context.Background(), j.ID, 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got []string
	for ev := range ch {
		got = append(got, ev.Status)
	}
	if len(got) != 1 || got[0] != model.StatusCompleted {
		t.Errorf("streamed statuses = %v, want [completed]", got)
	}
}

func TestListAndStats(t *testing.T) {
	eng, _ := newTestEngine(t, mocks.NewMockEngine(gomock.NewController(t)), engine.Options{})

	for range 3 {
		j := makeJob("http://unused")
		j.APIKey = "secret"
		submit(t, eng, j)
	}

	jobs, total, err := eng.List(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(jobs) != 2 {
		t.Errorf("List = %d jobs of %d, want 2 of 3", len(jobs), total)
	}
	for _, j := range jobs {
		if j.APIKey != "" {
			t.Errorf("List leaked api key for %s", j.ID)
		}
	}

	stats, err := eng.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.CountByStatus[model.StatusRunning] != 3 {
		t.Errorf("stats = %+v, want 3 running", stats)
	}
}
