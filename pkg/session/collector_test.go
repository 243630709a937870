//go:build unit

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/inventory"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvisioner is a mock for lab.Provisioner
type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Acquire(ctx context.Context, spec lab.Spec) (*lab.Topology, error) {
	args := m.Called(ctx, spec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lab.Topology), args.Error(1)
}

func (m *MockProvisioner) Release(ctx context.Context, topology *lab.Topology) {
	m.Called(ctx, topology)
}

// MockCheckedProvisioner is a mock for a lab.Provisioner reporting its
// teardown failures.
type MockCheckedProvisioner struct {
	MockProvisioner
}

func (m *MockCheckedProvisioner) ReleaseChecked(ctx context.Context, topology *lab.Topology) error {
	args := m.Called(ctx, topology)
	return args.Error(0)
}

// MockRecorder is a mock for Recorder
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) ObserveProvision(backend string, d time.Duration, err error) {
	m.Called(backend, err)
}

func (m *MockRecorder) ObserveSession(outcome string) {
	m.Called(outcome)
}

// fakeStore records the live topologies.
type fakeStore struct {
	live map[string]bool
}

func (f *fakeStore) Save(t *lab.Topology) error { f.live[t.ID] = true; return nil }
func (f *fakeStore) Delete(id string) error     { delete(f.live, id); return nil }

func twoDevices() *lab.Topology {
	return &lab.Topology{
		ID:      "nb-20240101-000000-abcdef12",
		Backend: lab.BackendCML,
		Devices: []lab.Device{
			{Name: "r1", Role: "appliance", Host: "cml", Ports: lab.Ports{SSH: 2011}},
			{Name: "r2", Role: "peer", Host: "cml", Ports: lab.Ports{SSH: 2012}},
		},
	}
}

func newProvisioner(topology *lab.Topology) *MockProvisioner {
	p := &MockProvisioner{}
	p.On("Acquire", mock.Anything, mock.Anything).Return(topology, nil)
	p.On("Release", mock.Anything, topology).Return()
	return p
}

func TestCollector_Run_Scenario(t *testing.T) {
	topo := twoDevices()
	p := newProvisioner(topo)
	rec := &MockRecorder{}
	rec.On("ObserveProvision", "cml", nil).Return().Once()
	rec.On("ObserveSession", "errored").Return().Once()
	store := &fakeStore{live: map[string]bool{}}

	c := New(p, inventory.Materializer{RequiredRoles: []string{"appliance", "peer"}}, logr.Discard(),
		WithBackend("cml"), WithRecorder(rec), WithStore(store))

	var seen Environment
	res, err := c.Run(context.Background(), Spec{LogPath: "/tmp/ansible.log"}, func(_ context.Context, env Environment) error {
		seen = env
		assert.True(t, store.live[topo.ID], "topology is recorded while the session runs")
		return errors.New("boom")
	})
	require.NoError(t, err)

	// inventory with 2 hosts grouped by role
	require.NotNil(t, seen.Inventory)
	assert.Equal(t, []string{"r1", "r2"}, seen.Inventory.Hosts())
	assert.Equal(t, []string{"r1"}, seen.Inventory.GroupHosts("appliance"))
	assert.Equal(t, []string{"r2"}, seen.Inventory.GroupHosts("peer"))

	assert.Equal(t, Errored, res.Outcome())
	assert.EqualError(t, res.Err(), "boom")
	assert.Equal(t, topo.ID, res.TopologyID())
	assert.Equal(t, "/tmp/ansible.log", res.LogPath())
	assert.False(t, res.Finished().Before(res.Started()))

	p.AssertNumberOfCalls(t, "Release", 1)
	assert.Empty(t, store.live)
	rec.AssertExpectations(t)
}

func TestCollector_Run_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		fn      SessionFunc
		outcome Outcome
	}{
		{
			name:    "passed",
			fn:      func(context.Context, Environment) error { return nil },
			outcome: Passed,
		},
		{
			name: "failed",
			fn: func(context.Context, Environment) error {
				return fmt.Errorf("%w: 2 hosts failed", ErrTestFailed)
			},
			outcome: Failed,
		},
		{
			name:    "errored",
			fn:      func(context.Context, Environment) error { return errors.New("ansible-playbook not found") },
			outcome: Errored,
		},
		{
			name:    "panic",
			fn:      func(context.Context, Environment) error { panic("nil map") },
			outcome: Errored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvisioner(twoDevices())
			c := New(p, inventory.Materializer{}, logr.Discard())

			var res *Result
			var err error
			require.NotPanics(t, func() {
				res, err = c.Run(context.Background(), Spec{}, tt.fn)
			})
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome())
			p.AssertNumberOfCalls(t, "Release", 1)
		})
	}
}

func TestCollector_Run_PanicIsReported(t *testing.T) {
	c := New(newProvisioner(twoDevices()), inventory.Materializer{}, logr.Discard())

	res, err := c.Run(context.Background(), Spec{}, func(context.Context, Environment) error {
		panic("nil map")
	})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), ErrPanic)
	assert.Contains(t, res.Err().Error(), "nil map")
}

func TestCollector_Run_Interrupted(t *testing.T) {
	t.Run("interrupt error", func(t *testing.T) {
		p := newProvisioner(twoDevices())
		c := New(p, inventory.Materializer{}, logr.Discard())

		res, err := c.Run(context.Background(), Spec{}, func(context.Context, Environment) error {
			return fmt.Errorf("%w: SIGINT", ErrInterrupted)
		})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrInterrupted)
		p.AssertNumberOfCalls(t, "Release", 1)
	})

	t.Run("cancelled context", func(t *testing.T) {
		p := &MockProvisioner{}
		topo := twoDevices()
		p.On("Acquire", mock.Anything, mock.Anything).Return(topo, nil)
		// the release context outlives the cancelled session context
		p.On("Release", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), topo).Return()

		ctx, cancel := context.WithCancel(context.Background())
		c := New(p, inventory.Materializer{}, logr.Discard())

		res, err := c.Run(ctx, Spec{}, func(ctx context.Context, _ Environment) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.ErrorIs(t, err, context.Canceled)
		p.AssertNumberOfCalls(t, "Release", 1)
	})
}

func TestCollector_Run_AcquireError(t *testing.T) {
	p := &MockProvisioner{}
	perr := lab.NewProvisionError(lab.BackendCML, "bring up", lab.ErrBackendUnreachable)
	p.On("Acquire", mock.Anything, mock.Anything).Return(nil, perr)

	rec := &MockRecorder{}
	rec.On("ObserveProvision", "cml", perr).Return().Once()

	c := New(p, inventory.Materializer{}, logr.Discard(), WithBackend("cml"), WithRecorder(rec))
	called := false
	res, err := c.Run(context.Background(), Spec{}, func(context.Context, Environment) error {
		called = true
		return nil
	})

	assert.Nil(t, res)
	var got *lab.ProvisionError
	assert.ErrorAs(t, err, &got)
	assert.False(t, called)
	p.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	rec.AssertExpectations(t)
}

func TestCollector_Run_AcquireInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &MockProvisioner{}
	perr := lab.NewProvisionError(lab.BackendCML, "bring up", context.Canceled)
	p.On("Acquire", mock.Anything, mock.Anything).Return(nil, perr)

	c := New(p, inventory.Materializer{}, logr.Discard())
	res, err := c.Run(ctx, Spec{}, func(context.Context, Environment) error { return nil })

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInterrupted)
	var got *lab.ProvisionError
	assert.ErrorAs(t, err, &got)
	p.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestCollector_Run_TeardownFailureKeepsRecord(t *testing.T) {
	tests := []struct {
		name       string
		releaseErr error
		wantLive   bool
	}{
		{name: "clean teardown", releaseErr: nil, wantLive: false},
		{name: "failed teardown", releaseErr: errors.New("cml rm: connection refused"), wantLive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := twoDevices()
			p := &MockCheckedProvisioner{}
			p.On("Acquire", mock.Anything, mock.Anything).Return(topo, nil)
			p.On("ReleaseChecked", mock.Anything, topo).Return(tt.releaseErr)
			store := &fakeStore{live: map[string]bool{}}

			c := New(p, inventory.Materializer{}, logr.Discard(), WithStore(store))
			res, err := c.Run(context.Background(), Spec{}, func(context.Context, Environment) error { return nil })
			require.NoError(t, err)

			// the teardown outcome never changes the test outcome
			assert.Equal(t, Passed, res.Outcome())
			assert.Equal(t, tt.wantLive, store.live[topo.ID])
			p.AssertNumberOfCalls(t, "ReleaseChecked", 1)
			p.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
		})
	}
}

func TestCollector_Run_MaterializationError(t *testing.T) {
	topo := twoDevices()
	p := newProvisioner(topo)
	c := New(p, inventory.Materializer{RequiredRoles: []string{"spine"}}, logr.Discard())

	called := false
	res, err := c.Run(context.Background(), Spec{}, func(context.Context, Environment) error {
		called = true
		return nil
	})

	assert.Nil(t, res)
	var merr *inventory.MaterializationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "spine", merr.Role)
	assert.False(t, called)
	p.AssertNumberOfCalls(t, "Release", 1)
}

func TestCollector_Run_ReleaseTimeout(t *testing.T) {
	topo := twoDevices()
	p := &MockProvisioner{}
	p.On("Acquire", mock.Anything, mock.Anything).Return(topo, nil)
	p.On("Release", mock.MatchedBy(func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= time.Minute
	}), topo).Return()

	c := New(p, inventory.Materializer{}, logr.Discard())
	_, err := c.Run(context.Background(), Spec{ReleaseTimeout: time.Minute}, func(context.Context, Environment) error {
		return nil
	})
	require.NoError(t, err)
	p.AssertExpectations(t)
}

func TestResult_MarshalJSON(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res := NewResult(Failed, ErrTestFailed, "/tmp/log", "nb-1", start, start.Add(90*time.Second))

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"outcome": "failed",
		"error": "test session failed",
		"logPath": "/tmp/log",
		"topologyID": "nb-1",
		"started": "2024-01-01T00:00:00Z",
		"finished": "2024-01-01T00:01:30Z",
		"duration": 90
	}`, string(b))
}
