package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	perr "conveyor/internal/platform/errors"
)

// fakeAPI scripts acquire/renew outcomes for the runner
type fakeAPI struct {
	mu sync.Mutex

	acquireRes AcquireResult
	acquireErr error

	renews    []renewStep
	renewIdx  int
	renewSeen int

	released  bool
	relOwner  string
	relName   string
	relCalled chan struct{}
}

type renewStep struct {
	res RenewResult
	err error
}

func (f *fakeAPI) Acquire(ctx context.Context, name, owner string, d time.Duration) (AcquireResult, error) {
	return f.acquireRes, f.acquireErr
}

func (f *fakeAPI) Renew(ctx context.Context, name, owner string, d time.Duration) (RenewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewSeen++
	if f.renewIdx < len(f.renews) {
		s := f.renews[f.renewIdx]
		f.renewIdx++
		return s.res, s.err
	}
	return RenewResult{Renewed: true, LeaseUntilUTC: time.Now().Add(d)}, nil
}

func (f *fakeAPI) Release(ctx context.Context, name, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released, f.relName, f.relOwner = true, name, owner
	if f.relCalled != nil {
		close(f.relCalled)
	}
	return nil
}

func (f *fakeAPI) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewSeen
}

func held(token int64) AcquireResult {
	return AcquireResult{Acquired: true, FencingToken: token, LeaseUntilUTC: time.Now().Add(time.Minute)}
}

func TestAcquire_NotAcquiredReturnsNilRunner(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{acquireRes: AcquireResult{Acquired: false}}
	r, err := Acquire(context.Background(), api, RunnerOptions{Name: "job-A"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil runner when not acquired")
	}
}

func TestAcquire_RequiresName(t *testing.T) {
	t.Parallel()

	_, err := Acquire(context.Background(), &fakeAPI{}, RunnerOptions{})
	if !perr.IsValidation(err) {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestRunner_RenewsAndStaysHeld(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{acquireRes: held(3)}
	r, err := Acquire(context.Background(), api, RunnerOptions{
		Name:         "job-A",
		Duration:     40 * time.Millisecond,
		RenewPercent: 0.5,
	})
	if err != nil || r == nil {
		t.Fatalf("Acquire: r=%v err=%v", r, err)
	}
	defer func() { _ = r.Release(context.Background()) }()

	if r.FencingToken() != 3 {
		t.Fatalf("fencing token = %d", r.FencingToken())
	}

	deadline := time.After(3 * time.Second)
	for api.renewCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("renewals did not happen; saw %d", api.renewCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if r.Lost() {
		t.Fatalf("runner lost while renewals succeed")
	}
	if err := r.Check(); err != nil {
		t.Fatalf("Check while held: %v", err)
	}
}

func TestRunner_SingleRenewErrorIsRetried(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		acquireRes: held(1),
		renews: []renewStep{
			{err: errors.New("network blip")},
			{res: RenewResult{Renewed: true, LeaseUntilUTC: time.Now().Add(time.Minute)}},
		},
	}
	r, err := Acquire(context.Background(), api, RunnerOptions{
		Name: "job-A", Duration: 30 * time.Millisecond, RenewPercent: 0.5,
	})
	if err != nil || r == nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = r.Release(context.Background()) }()

	deadline := time.After(3 * time.Second)
	for api.renewCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected retry then further renewals, saw %d", api.renewCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if r.Lost() {
		t.Fatalf("single failure must not lose the lease")
	}
}

func TestRunner_DoubleRenewErrorIsLost(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		acquireRes: held(1),
		renews: []renewStep{
			{err: errors.New("down")},
			{err: errors.New("still down")},
		},
	}
	r, err := Acquire(context.Background(), api, RunnerOptions{
		Name: "job-A", Duration: 30 * time.Millisecond, RenewPercent: 0.5,
	})
	if err != nil || r == nil {
		t.Fatalf("Acquire: %v", err)
	}

	select {
	case <-r.Context().Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("context not cancelled after double renewal failure")
	}
	if !r.Lost() {
		t.Fatalf("runner should be lost")
	}
	if err := r.Check(); !perr.IsLeaseLost(err) {
		t.Fatalf("Check should return LeaseLost, got %v", err)
	}
	if cause := context.Cause(r.Context()); !perr.IsLeaseLost(cause) {
		t.Fatalf("cancellation cause should be LeaseLost, got %v", cause)
	}
}

func TestRunner_NotRenewedIsLostImmediately(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		acquireRes: held(1),
		renews:     []renewStep{{res: RenewResult{Renewed: false}}},
	}
	r, err := Acquire(context.Background(), api, RunnerOptions{
		Name: "job-A", Duration: 30 * time.Millisecond, RenewPercent: 0.5,
	})
	if err != nil || r == nil {
		t.Fatalf("Acquire: %v", err)
	}

	select {
	case <-r.Context().Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("renewed=false must lose the lease")
	}
	// renewed=false is authoritative; no second attempt should follow
	if api.renewCount() != 1 {
		t.Fatalf("expected exactly one renew call, saw %d", api.renewCount())
	}
}

func TestRunner_ReleaseStopsRenewalAndReleasesRow(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{acquireRes: held(1)}
	r, err := Acquire(context.Background(), api, RunnerOptions{
		Name: "job-A", Owner: "o-1", Duration: time.Hour,
	})
	if err != nil || r == nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := r.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !api.released || api.relName != "job-A" || api.relOwner != "o-1" {
		t.Fatalf("release not forwarded: %+v", api)
	}
	select {
	case <-r.Context().Done():
	default:
		t.Fatalf("context should be cancelled after release")
	}

	// second release is a no-op
	if err := r.Release(context.Background()); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestRunner_ParentCancellationStopsLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeAPI{acquireRes: held(1)}
	r, err := Acquire(ctx, api, RunnerOptions{Name: "job-A", Duration: time.Hour})
	if err != nil || r == nil {
		t.Fatalf("Acquire: %v", err)
	}

	cancel()
	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatalf("renew loop did not exit on parent cancellation")
	}
	if r.Lost() {
		t.Fatalf("parent cancellation is not lease loss")
	}
}
