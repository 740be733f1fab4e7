package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/role-sentinel/internal/config"
	"github.com/nholik/role-sentinel/internal/healthcheck"
	"github.com/nholik/role-sentinel/internal/resolve"
	"github.com/nholik/role-sentinel/internal/roles"
	"github.com/nholik/role-sentinel/internal/state"
	"github.com/nholik/role-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

var managedUnits = []string{"cgroup_exporter", "dcgm-exporter", "node_exporter", "nvidia_gpu_exporter"}

func testResolver() *resolve.Resolver {
	return resolve.New(config.MappingFile{
		Cluster: "slurm",
		Roles: []config.RoleMapping{
			{
				Role:     "compute-client",
				Services: managedUnits,
				Targets: []config.TargetMapping{
					{Job: "node_exporter", Port: 9100},
					{Job: "cgroup_exporter", Port: 9306},
					{Job: "gpu_exporter", Port: 9445},
					{Job: "dcgm_exporter", Port: 9400},
				},
			},
		},
	}, "slurm")
}

type fakeFetcher struct {
	mu        sync.Mutex
	snapshots []roles.Snapshot
	errs      []error
	delay     time.Duration
	calls     int
}

func (f *fakeFetcher) Fetch(context.Context) (roles.Snapshot, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return roles.Snapshot{}, f.errs[idx]
	}
	if idx >= len(f.snapshots) {
		idx = len(f.snapshots) - 1
	}
	snapshot := f.snapshots[idx]
	snapshot.FetchedAt = time.Now().UTC()
	return snapshot, nil
}

type fakeController struct {
	active    map[string]bool
	startErrs map[string]error
	stopErrs  map[string]error

	startCalls  []string
	stopCalls   []string
	activeCalls []string
}

func newFakeController() *fakeController {
	return &fakeController{
		active:    make(map[string]bool),
		startErrs: make(map[string]error),
		stopErrs:  make(map[string]error),
	}
}

func (c *fakeController) IsActive(_ context.Context, unit string) (bool, error) {
	c.activeCalls = append(c.activeCalls, unit)
	return c.active[unit], nil
}

func (c *fakeController) EnsureRunning(_ context.Context, unit string) error {
	c.startCalls = append(c.startCalls, unit)
	if err := c.startErrs[unit]; err != nil {
		return err
	}
	c.active[unit] = true
	return nil
}

func (c *fakeController) EnsureStopped(_ context.Context, unit string) error {
	c.stopCalls = append(c.stopCalls, unit)
	if err := c.stopErrs[unit]; err != nil {
		return err
	}
	c.active[unit] = false
	return nil
}

func (c *fakeController) resetCalls() {
	c.startCalls = nil
	c.stopCalls = nil
	c.activeCalls = nil
}

type fakePublisher struct {
	files        map[string][]byte
	publishErr   error
	retractErr   error
	publishCalls int
	retractCalls int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{files: make(map[string][]byte)}
}

func (p *fakePublisher) Publish(_ context.Context, hostname string, content []byte) error {
	p.publishCalls++
	if p.publishErr != nil {
		return p.publishErr
	}
	p.files[hostname] = append([]byte(nil), content...)
	return nil
}

func (p *fakePublisher) Retract(_ context.Context, hostname string) error {
	p.retractCalls++
	if p.retractErr != nil {
		return p.retractErr
	}
	delete(p.files, hostname)
	return nil
}

type memStore struct {
	applied state.AppliedState
	saveErr error
	saves   int
}

func (s *memStore) Load(context.Context) (state.AppliedState, error) {
	return s.applied, nil
}

func (s *memStore) Save(_ context.Context, applied state.AppliedState) error {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.applied = applied
	return nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []transition.Event
}

func (n *captureNotifier) Notify(_ context.Context, _ string, events []transition.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return nil
}

type fixture struct {
	runner     *Runner
	fetcher    *fakeFetcher
	controller *fakeController
	publisher  *fakePublisher
	store      *memStore
	notifier   *captureNotifier
}

func newFixture(t *testing.T, fetcher *fakeFetcher, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		fetcher:    fetcher,
		controller: newFakeController(),
		publisher:  newFakePublisher(),
		store:      &memStore{},
		notifier:   &captureNotifier{},
	}

	base := []Option{
		WithFetcher(f.fetcher),
		WithResolver(testResolver()),
		WithController(f.controller),
		WithPublisher(f.publisher),
		WithStore(f.store),
		WithNotifier(f.notifier),
	}
	f.runner = New(zerolog.Nop(), 30*time.Second, append(base, opts...)...)
	return f
}

func snapshotWith(hostname string, roleSet ...string) roles.Snapshot {
	return roles.Snapshot{Roles: roleSet, Hostname: hostname}
}

func TestConvergenceFromEmpty(t *testing.T) {
	f := newFixture(t, &fakeFetcher{snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")}})

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	applied := f.runner.Applied()
	if len(applied.ServicesStarted) != 4 {
		t.Fatalf("expected 4 services recorded, got %v", applied.ServicesStarted)
	}
	for _, unit := range managedUnits {
		if !f.controller.active[unit] {
			t.Fatalf("expected %s active", unit)
		}
	}

	content, ok := f.publisher.files["dgx-01"]
	if !ok {
		t.Fatalf("expected descriptor published for dgx-01")
	}
	if len(content) == 0 {
		t.Fatalf("expected non-empty descriptor")
	}
	if applied.PublishedHostname != "dgx-01" || applied.TargetFileHash == "" {
		t.Fatalf("publication not recorded: %+v", applied)
	}
	if f.store.saves != 1 {
		t.Fatalf("expected one state save, got %d", f.store.saves)
	}
}

func TestIdempotentSecondCycle(t *testing.T) {
	f := newFixture(t, &fakeFetcher{snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")}})

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	f.controller.resetCalls()
	publishes := f.publisher.publishCalls
	retracts := f.publisher.retractCalls

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if len(f.controller.startCalls)+len(f.controller.stopCalls)+len(f.controller.activeCalls) != 0 {
		t.Fatalf("expected zero service-manager calls, got start=%v stop=%v probe=%v",
			f.controller.startCalls, f.controller.stopCalls, f.controller.activeCalls)
	}
	if f.publisher.publishCalls != publishes || f.publisher.retractCalls != retracts {
		t.Fatalf("expected zero file operations on unchanged state")
	}
	if f.store.saves != 1 {
		t.Fatalf("expected no state save on unchanged cycle, got %d", f.store.saves)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	f := newFixture(t, &fakeFetcher{snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")}})
	f.controller.startErrs["dcgm-exporter"] = errors.New("start unit dcgm-exporter: exit status 1")

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	applied := f.runner.Applied()
	if len(applied.ServicesStarted) != 3 {
		t.Fatalf("expected 3 services recorded, got %v", applied.ServicesStarted)
	}
	if applied.HasService("dcgm-exporter") {
		t.Fatalf("failed unit must not be recorded as started")
	}
	if applied.StartFailures["dcgm-exporter"] != 1 {
		t.Fatalf("expected one recorded failure, got %v", applied.StartFailures)
	}

	// Next cycle retries only the failed unit.
	f.controller.resetCalls()
	delete(f.controller.startErrs, "dcgm-exporter")

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(f.controller.startCalls) != 1 || f.controller.startCalls[0] != "dcgm-exporter" {
		t.Fatalf("expected retry of only the failed unit, got %v", f.controller.startCalls)
	}

	applied = f.runner.Applied()
	if !applied.HasService("dcgm-exporter") {
		t.Fatalf("expected recovered unit recorded")
	}
	if len(applied.StartFailures) != 0 {
		t.Fatalf("expected failure count cleared, got %v", applied.StartFailures)
	}
}

func TestParkedAfterMaxAttempts(t *testing.T) {
	f := newFixture(t,
		&fakeFetcher{snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")}},
		WithMaxStartAttempts(2),
	)
	f.controller.startErrs["dcgm-exporter"] = errors.New("broken unit")

	for i := 0; i < 2; i++ {
		if err := f.runner.RunOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if f.runner.Applied().StartFailures["dcgm-exporter"] != 2 {
		t.Fatalf("expected 2 recorded failures, got %v", f.runner.Applied().StartFailures)
	}

	// Third cycle: parked, only probed, no start attempt.
	f.controller.resetCalls()
	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if len(f.controller.startCalls) != 0 {
		t.Fatalf("expected no start attempts while parked, got %v", f.controller.startCalls)
	}
	if len(f.controller.activeCalls) != 1 || f.controller.activeCalls[0] != "dcgm-exporter" {
		t.Fatalf("expected a single probe of the parked unit, got %v", f.controller.activeCalls)
	}

	// Someone fixes and starts the unit out of band; management resumes.
	f.controller.active["dcgm-exporter"] = true
	f.controller.resetCalls()
	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("fourth cycle: %v", err)
	}
	applied := f.runner.Applied()
	if !applied.HasService("dcgm-exporter") {
		t.Fatalf("expected parked unit resumed after out-of-band recovery")
	}
	if len(applied.StartFailures) != 0 {
		t.Fatalf("expected failure count cleared, got %v", applied.StartFailures)
	}
}

func TestRoleRemovalStopsAndRetracts(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []roles.Snapshot{
		snapshotWith("dgx-01", "compute-client"),
		snapshotWith("dgx-01"),
	}}
	f := newFixture(t, fetcher)

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	applied := f.runner.Applied()
	if len(applied.ServicesStarted) != 0 {
		t.Fatalf("expected all services stopped, got %v", applied.ServicesStarted)
	}
	for _, unit := range managedUnits {
		if f.controller.active[unit] {
			t.Fatalf("expected %s stopped", unit)
		}
	}
	if _, exists := f.publisher.files["dgx-01"]; exists {
		t.Fatalf("expected descriptor retracted")
	}
	if applied.PublishedHostname != "" || applied.TargetFileHash != "" {
		t.Fatalf("expected publication record cleared, got %+v", applied)
	}
}

func TestRoleRemovalSweepsUnrecordedUnits(t *testing.T) {
	// Deleted state file, but units still running from a previous life.
	fetcher := &fakeFetcher{snapshots: []roles.Snapshot{snapshotWith("dgx-01")}}
	f := newFixture(t, fetcher)
	for _, unit := range managedUnits {
		f.controller.active[unit] = true
	}

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	stopped := append([]string(nil), f.controller.stopCalls...)
	sort.Strings(stopped)
	if len(stopped) != len(managedUnits) {
		t.Fatalf("expected sweep of all managed units, got %v", stopped)
	}
	for _, unit := range managedUnits {
		if f.controller.active[unit] {
			t.Fatalf("expected %s swept", unit)
		}
	}
}

func TestHostnameChangeRetractsStaleDescriptor(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []roles.Snapshot{
		snapshotWith("dgx-01", "compute-client"),
		snapshotWith("dgx-02", "compute-client"),
	}}
	f := newFixture(t, fetcher)

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if _, stale := f.publisher.files["dgx-01"]; stale {
		t.Fatalf("expected old descriptor removed")
	}
	if _, ok := f.publisher.files["dgx-02"]; !ok {
		t.Fatalf("expected new descriptor published")
	}
	if f.runner.Applied().PublishedHostname != "dgx-02" {
		t.Fatalf("expected record under new hostname, got %+v", f.runner.Applied())
	}
}

func TestHostnameChangeRetractFailureRetriedNextCycle(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []roles.Snapshot{
		snapshotWith("dgx-01", "compute-client"),
		snapshotWith("dgx-02", "compute-client"),
	}}
	f := newFixture(t, fetcher)

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// Shared storage rejects the removal of the old descriptor; the publish
	// under the new name must still go through.
	f.publisher.retractErr = errors.New("storage unavailable")
	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	applied := f.runner.Applied()
	if applied.PublishedHostname != "dgx-02" {
		t.Fatalf("expected publish under new hostname, got %+v", applied)
	}
	if len(applied.PendingRetracts) != 1 || applied.PendingRetracts[0] != "dgx-01" {
		t.Fatalf("expected failed retract queued, got %v", applied.PendingRetracts)
	}
	if _, stale := f.publisher.files["dgx-01"]; !stale {
		t.Fatalf("expected old descriptor still present after failed retract")
	}

	// Storage recovers; the queued retract is retried and the orphan removed.
	f.publisher.retractErr = nil
	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("third cycle: %v", err)
	}

	applied = f.runner.Applied()
	if len(applied.PendingRetracts) != 0 {
		t.Fatalf("expected retract queue drained, got %v", applied.PendingRetracts)
	}
	if _, stale := f.publisher.files["dgx-01"]; stale {
		t.Fatalf("expected stale descriptor removed once storage recovered")
	}
	if _, ok := f.publisher.files["dgx-02"]; !ok {
		t.Fatalf("expected current descriptor untouched")
	}
}

func TestRoleRemovalRetractFailureRetriedNextCycle(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []roles.Snapshot{
		snapshotWith("dgx-01", "compute-client"),
		snapshotWith("dgx-01"),
	}}
	f := newFixture(t, fetcher)

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	f.publisher.retractErr = errors.New("storage unavailable")
	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if f.runner.Applied().PublishedHostname != "dgx-01" {
		t.Fatalf("expected record kept while retract fails, got %+v", f.runner.Applied())
	}

	f.publisher.retractErr = nil
	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("third cycle: %v", err)
	}

	applied := f.runner.Applied()
	if applied.PublishedHostname != "" || len(applied.PendingRetracts) != 0 {
		t.Fatalf("expected descriptor record cleared, got %+v", applied)
	}
	if _, stale := f.publisher.files["dgx-01"]; stale {
		t.Fatalf("expected descriptor removed once storage recovered")
	}
}

func TestTrackerRecordsFullCycleDuration(t *testing.T) {
	fetcher := &fakeFetcher{
		snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")},
		delay:     25 * time.Millisecond,
	}
	tracker := healthcheck.NewTracker()
	f := newFixture(t, fetcher, WithTracker(tracker))

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	// The reported duration covers the whole cycle, fetch included.
	if got := tracker.Snapshot().CycleDurationMS; got < 20 {
		t.Fatalf("expected cycle duration to include fetch time, got %dms", got)
	}
}

func TestFetchFailureLeavesAppliedStateUntouched(t *testing.T) {
	fetcher := &fakeFetcher{
		snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")},
		errs:      []error{nil, &roles.NetworkError{Op: "query head01", Err: errors.New("connection refused")}},
	}
	f := newFixture(t, fetcher)

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	before := f.runner.Applied()
	saves := f.store.saves

	err := f.runner.RunOnce(context.Background())
	if err == nil {
		t.Fatalf("expected fetch error")
	}
	if !isFetchFailure(err) {
		t.Fatalf("expected fetch failure classification, got %v", err)
	}

	after := f.runner.Applied()
	if before.RolesHash != after.RolesHash || len(before.ServicesStarted) != len(after.ServicesStarted) {
		t.Fatalf("applied state changed on fetch failure: %+v vs %+v", before, after)
	}
	if f.store.saves != saves {
		t.Fatalf("expected no save on fetch failure")
	}
}

func TestRunBacksOffOnFetchFailure(t *testing.T) {
	fetchErr := &roles.NetworkError{Op: "query", Err: errors.New("down")}
	fetcher := &fakeFetcher{
		snapshots: []roles.Snapshot{snapshotWith("dgx-01")},
		errs:      []error{fetchErr, fetchErr, nil},
	}

	var mu sync.Mutex
	var waits []time.Duration

	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, fetcher,
		WithBackoffFactory(func() backoff.BackOff {
			return backoff.NewConstantBackOff(5 * time.Millisecond)
		}),
		WithSleeper(func(sleepCtx context.Context, wait time.Duration) bool {
			mu.Lock()
			waits = append(waits, wait)
			count := len(waits)
			mu.Unlock()
			if count >= 3 {
				cancel()
				return false
			}
			return sleepCtx.Err() == nil
		}),
	)

	if err := f.runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(waits) != 3 {
		t.Fatalf("expected 3 sleeps, got %v", waits)
	}
	if waits[0] != 5*time.Millisecond || waits[1] != 5*time.Millisecond {
		t.Fatalf("expected backoff waits for failed fetches, got %v", waits)
	}
	if waits[2] != 30*time.Second {
		t.Fatalf("expected steady poll interval after success, got %v", waits)
	}
}

func TestRestartResyncWithoutDuplicateCalls(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")}}
	f := newFixture(t, fetcher)

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first life: %v", err)
	}

	// New runner, same store and same actual system state: a restart.
	f.controller.resetCalls()
	restarted := New(zerolog.Nop(), 30*time.Second,
		WithFetcher(fetcher),
		WithResolver(testResolver()),
		WithController(f.controller),
		WithPublisher(f.publisher),
		WithStore(f.store),
	)

	if err := restarted.RunOnce(context.Background()); err != nil {
		t.Fatalf("resync cycle: %v", err)
	}

	if len(f.controller.startCalls) != 0 || len(f.controller.stopCalls) != 0 {
		t.Fatalf("expected no duplicate service calls after restart, got start=%v stop=%v",
			f.controller.startCalls, f.controller.stopCalls)
	}
	if len(restarted.Applied().ServicesStarted) != 4 {
		t.Fatalf("expected resynced state, got %+v", restarted.Applied())
	}
}

func TestSaveErrorIsNonFatal(t *testing.T) {
	f := newFixture(t, &fakeFetcher{snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")}})
	f.store.saveErr = errors.New("disk full")

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected save failure to be non-fatal, got %v", err)
	}
	if len(f.runner.Applied().ServicesStarted) != 4 {
		t.Fatalf("expected in-memory state updated despite save failure")
	}
}

func TestNotifierReceivesEvents(t *testing.T) {
	f := newFixture(t, &fakeFetcher{snapshots: []roles.Snapshot{snapshotWith("dgx-01", "compute-client")}})

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.events) == 0 {
		t.Fatalf("expected transition events to be delivered")
	}

	var sawStart, sawPublish bool
	for _, event := range f.notifier.events {
		switch event.Type {
		case transition.ServiceStarted:
			sawStart = true
		case transition.DescriptorPublished:
			sawPublish = true
		}
	}
	if !sawStart || !sawPublish {
		t.Fatalf("expected start and publish events, got %v", f.notifier.events)
	}
}

func TestRunRequiresDependencies(t *testing.T) {
	r := New(zerolog.Nop(), 30*time.Second)
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}

	r = New(zerolog.Nop(), 0, WithFetcher(&fakeFetcher{}))
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected error for zero poll interval")
	}
}
