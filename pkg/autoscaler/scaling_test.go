/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"

	"github.com/numaproj/numapool/pkg/config"
	"github.com/numaproj/numapool/pkg/fleet"
	"github.com/numaproj/numapool/pkg/taskqueue"
	"github.com/numaproj/numapool/pkg/taskqueue/inmem"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var defaultPolicy = config.ScalingConfig{
	MinWorkers:            1,
	MaxWorkers:            20,
	TasksPerWorker:        60,
	ScaleIntervalSeconds:  1,
	SurgeThreshold:        40,
	SurgeFloor:            10,
	LaunchIntervalSeconds: 0,
}

// fakeFleet is a fleet.Manager keeping its instances in memory.
type fakeFleet struct {
	sync.Mutex
	seq        int
	now        time.Time
	instances  []fleet.Instance
	launched   int
	terminated []string
	// failLaunchAt fails the n-th launch, counting from 1
	failLaunchAt int
	// failListOnce fails the next listing
	failListOnce bool
	// failTerminate fails the termination of these instances
	failTerminate map[string]bool
}

func newFakeFleet(alive int) *fakeFleet {
	f := &fakeFleet{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	for i := 0; i < alive; i++ {
		_, _ = f.Launch(context.Background())
	}
	f.launched = 0
	return f
}

func (f *fakeFleet) ListAlive(context.Context) ([]fleet.Instance, error) {
	f.Lock()
	defer f.Unlock()
	if f.failListOnce {
		f.failListOnce = false
		return nil, errors.New("api server unavailable")
	}
	out := make([]fleet.Instance, len(f.instances))
	copy(out, f.instances)
	// reversed, the scaler must not rely on the listing order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (f *fakeFleet) Launch(context.Context) (string, error) {
	f.Lock()
	defer f.Unlock()
	if f.failLaunchAt > 0 && f.launched+1 == f.failLaunchAt {
		f.failLaunchAt = 0
		return "", errors.New("quota exceeded")
	}
	f.seq++
	f.launched++
	id := fmt.Sprintf("worker-%02d", f.seq)
	f.instances = append(f.instances, fleet.Instance{ID: id, State: fleet.StateRunning, LaunchedAt: f.now.Add(time.Duration(f.seq) * time.Minute)})
	return id, nil
}

func (f *fakeFleet) Terminate(_ context.Context, id string) error {
	f.Lock()
	defer f.Unlock()
	if f.failTerminate[id] {
		return fmt.Errorf("instance %s is protected", id)
	}
	for i, inst := range f.instances {
		if inst.ID == id {
			f.instances = append(f.instances[:i], f.instances[i+1:]...)
			break
		}
	}
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeFleet) alive() int {
	f.Lock()
	defer f.Unlock()
	return len(f.instances)
}

// stubQueue reports a fixed depth, failing the first failDepth calls.
type stubQueue struct {
	taskqueue.TaskQueue
	lock      sync.Mutex
	depth     taskqueue.Depth
	failDepth int
}

func (q *stubQueue) GetName() string {
	return "requests"
}

func (q *stubQueue) Depth(context.Context) (taskqueue.Depth, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.failDepth > 0 {
		q.failDepth--
		return taskqueue.Depth{}, errors.New("connection reset")
	}
	return q.depth, nil
}

func queueWithDepth(t *testing.T, n int) *inmem.Queue {
	t.Helper()
	q := inmem.NewQueue("requests")
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(context.Background(), fmt.Sprintf("task-%d", i), ""))
	}
	return q
}

func TestDesiredWorkers(t *testing.T) {
	tests := []struct {
		name   string
		depth  int64
		policy func(p *config.ScalingConfig)
		want   int
	}{
		{name: "empty queue", depth: 0, want: 1},
		{name: "below surge", depth: 39, want: 2},
		{name: "surge threshold", depth: 40, want: 10},
		{name: "one batch", depth: 60, want: 10},
		{name: "above surge floor", depth: 1000, want: 18},
		{name: "clamped to max", depth: 100000, want: 20},
		{name: "min workers", depth: 0, policy: func(p *config.ScalingConfig) { p.MinWorkers = 3 }, want: 3},
		{name: "zero min", depth: 0, policy: func(p *config.ScalingConfig) { p.MinWorkers = 0 }, want: 1},
		{name: "surge capped by max", depth: 50, policy: func(p *config.ScalingConfig) { p.MaxWorkers = 5 }, want: 5},
		{name: "negative depth", depth: -3, want: 1},
		{name: "no surge when threshold not reached", depth: 120, policy: func(p *config.ScalingConfig) { p.SurgeThreshold = 200 }, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultPolicy
			if tt.policy != nil {
				tt.policy(&p)
			}
			assert.Equal(t, tt.want, DesiredWorkers(tt.depth, p))
		})
	}
}

func TestDesiredWorkers_MonotonicAndBounded(t *testing.T) {
	policies := []config.ScalingConfig{
		defaultPolicy,
		{MinWorkers: 2, MaxWorkers: 7, TasksPerWorker: 5, SurgeThreshold: 10, SurgeFloor: 9},
		{MinWorkers: 0, MaxWorkers: 3, TasksPerWorker: 1, SurgeThreshold: 100, SurgeFloor: 0},
	}
	for _, p := range policies {
		prev := 0
		for depth := int64(0); depth <= 5000; depth++ {
			d := DesiredWorkers(depth, p)
			assert.GreaterOrEqual(t, d, p.MinWorkers)
			assert.LessOrEqual(t, d, p.MaxWorkers)
			assert.GreaterOrEqual(t, d, prev, "depth %d", depth)
			if depth >= int64(p.SurgeThreshold) {
				assert.GreaterOrEqual(t, d, min(p.SurgeFloor, p.MaxWorkers))
			}
			prev = d
		}
	}
}

func TestReconcile_ScaleUp(t *testing.T) {
	ctx := context.Background()
	f := newFakeFleet(0)
	s := NewScaler(queueWithDepth(t, 100), f, StaticPolicy(defaultPolicy))
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 10, f.launched)
	assert.Equal(t, 10, f.alive())

	st := s.Status()
	assert.Equal(t, FleetState{QueueDepth: 100, AliveWorkers: 0}, st.FleetState)
	assert.Equal(t, 10, st.DesiredWorkers)
	assert.Empty(t, st.LastError)

	// unchanged depth and fleet, nothing to do
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 10, f.launched)
	assert.Empty(t, f.terminated)
}

func TestReconcile_ScaleUpCountsInFlight(t *testing.T) {
	ctx := context.Background()
	q := queueWithDepth(t, 130)
	for i := 0; i < 30; i++ {
		msg, err := q.Receive(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
	}
	f := newFakeFleet(1)
	p := defaultPolicy
	p.SurgeThreshold = 1000
	s := NewScaler(q, f, StaticPolicy(p))
	require.NoError(t, s.Reconcile(ctx))
	// ceil(130/60)+1
	assert.Equal(t, 4, f.alive())
	assert.Equal(t, 3, f.launched)
	assert.Equal(t, int64(130), s.Status().QueueDepth)
	assert.Equal(t, 130.0, s.Status().SmoothedQueueDepth)
}

func TestReconcile_ScaleDownOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFakeFleet(5)
	s := NewScaler(queueWithDepth(t, 0), f, StaticPolicy(defaultPolicy))
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, []string{"worker-01", "worker-02", "worker-03", "worker-04"}, f.terminated)
	instances, _ := f.ListAlive(ctx)
	require.Len(t, instances, 1)
	assert.Equal(t, "worker-05", instances[0].ID)

	require.NoError(t, s.Reconcile(ctx))
	assert.Len(t, f.terminated, 4)
	assert.Equal(t, 0, f.launched)
}

func TestReconcile_LaunchFailureStopsBatch(t *testing.T) {
	ctx := context.Background()
	f := newFakeFleet(0)
	f.failLaunchAt = 3
	s := NewScaler(queueWithDepth(t, 100), f, StaticPolicy(defaultPolicy))
	err := s.Reconcile(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, 2, f.alive())
	assert.Contains(t, s.Status().LastError, "quota exceeded")

	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 10, f.alive())
	assert.Empty(t, s.Status().LastError)
}

type policyFunc func() config.ScalingConfig

func (f policyFunc) GetScaling() config.ScalingConfig { return f() }

func TestReconcile_PolicyReadEveryTick(t *testing.T) {
	ctx := context.Background()
	f := newFakeFleet(0)
	p := defaultPolicy
	s := NewScaler(queueWithDepth(t, 0), f, policyFunc(func() config.ScalingConfig { return p }))
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 1, f.alive())

	p.MinWorkers, p.MaxWorkers = 4, 8
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 4, f.alive())
	assert.Equal(t, 4, s.Status().Policy.MinWorkers)

	p.MinWorkers, p.MaxWorkers = 1, 2
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 1, f.alive())
}

func TestGlobalConfigIsPolicyGetter(t *testing.T) {
	var getter PolicyGetter = config.NewGlobalConfig(config.Config{Scaling: defaultPolicy})
	assert.Equal(t, defaultPolicy, getter.GetScaling())
}

func TestStart(t *testing.T) {
	f := newFakeFleet(0)
	s := NewScaler(queueWithDepth(t, 45), f, StaticPolicy(defaultPolicy))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- s.Start(ctx)
	}()
	assert.Eventually(t, func() bool { return f.alive() == 10 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("autoscaler did not stop")
	}
}

func TestStart_KeepsTickingAfterFailures(t *testing.T) {
	f := newFakeFleet(0)
	f.failListOnce = true
	q := &stubQueue{depth: taskqueue.Depth{Visible: 45}, failDepth: 1}
	s := NewScaler(q, f, StaticPolicy(defaultPolicy))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- s.Start(ctx)
	}()
	// the first tick fails on depth, the second on the listing, the third scales
	assert.Eventually(t, func() bool { return f.alive() == 10 }, 10*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Status().LastError == "" }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("autoscaler did not stop")
	}
}

func TestReconcile_FailuresAreReported(t *testing.T) {
	ctx := context.Background()
	f := newFakeFleet(2)
	q := &stubQueue{failDepth: 1}
	s := NewScaler(q, f, StaticPolicy(defaultPolicy))

	err := s.Reconcile(ctx)
	require.Error(t, err)
	assert.Contains(t, s.Status().LastError, "connection reset")
	assert.Empty(t, f.terminated)

	f.failListOnce = true
	err = s.Reconcile(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api server unavailable")
	assert.Empty(t, f.terminated)

	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, 1, f.alive())
}

func TestReconcile_TerminationsContinuePastFailures(t *testing.T) {
	ctx := context.Background()
	f := newFakeFleet(5)
	f.failTerminate = map[string]bool{"worker-02": true, "worker-03": true}
	s := NewScaler(&stubQueue{}, f, StaticPolicy(defaultPolicy))

	err := s.Reconcile(ctx)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "worker-02")
	assert.Contains(t, err.Error(), "worker-03")
	assert.Equal(t, []string{"worker-01", "worker-04"}, f.terminated)
	assert.Equal(t, 3, f.alive())

	f.failTerminate = nil
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, []string{"worker-01", "worker-04", "worker-02", "worker-03"}, f.terminated)
	instances, _ := f.ListAlive(ctx)
	require.Len(t, instances, 1)
	assert.Equal(t, "worker-05", instances[0].ID)
}

func TestReconcile_LaunchAndTerminateCounts(t *testing.T) {
	ctx := context.Background()
	depths := []int64{0, 1, 39, 40, 59, 60, 61, 119, 600, 1140, 1500, 100000}
	for _, depth := range depths {
		for alive := 0; alive <= defaultPolicy.MaxWorkers+5; alive++ {
			t.Run(fmt.Sprintf("depth=%d/alive=%d", depth, alive), func(t *testing.T) {
				f := newFakeFleet(alive)
				s := NewScaler(&stubQueue{depth: taskqueue.Depth{Visible: depth}}, f, StaticPolicy(defaultPolicy))
				desired := DesiredWorkers(depth, defaultPolicy)
				wantLaunched := max(0, min(desired-alive, defaultPolicy.MaxWorkers-alive))
				wantTerminated := max(0, alive-desired)

				require.NoError(t, s.Reconcile(ctx))
				assert.Equal(t, wantLaunched, f.launched)
				require.Len(t, f.terminated, wantTerminated)
				for i, id := range f.terminated {
					assert.Equal(t, fmt.Sprintf("worker-%02d", i+1), id, "oldest first")
				}
				assert.Equal(t, desired, f.alive())

				// a second pass with the same depth does nothing
				require.NoError(t, s.Reconcile(ctx))
				assert.Equal(t, wantLaunched, f.launched)
				assert.Len(t, f.terminated, wantTerminated)
			})
		}
	}
}

func TestStatusHandler(t *testing.T) {
	f := newFakeFleet(0)
	s := NewScaler(queueWithDepth(t, 3), f, StaticPolicy(defaultPolicy))
	require.NoError(t, s.Reconcile(context.Background()))

	server := httptest.NewServer(s.StatusHandler())
	defer server.Close()
	e := httpexpect.Default(t, server.URL)
	obj := e.GET("/status").Expect().Status(200).JSON().Object()
	obj.Value("queueDepth").Number().IsEqual(3)
	obj.Value("aliveWorkers").Number().IsEqual(0)
	obj.Value("desiredWorkers").Number().IsEqual(2)
	obj.Value("policy").Object().Value("maxWorkers").Number().IsEqual(20)
	obj.NotContainsKey("lastError")

	e.POST("/status").Expect().Status(405)
}
