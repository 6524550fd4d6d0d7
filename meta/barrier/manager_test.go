// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock"
	"github.com/cockroachdb/hummock/compute"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/internal/testutils"
	"github.com/cockroachdb/hummock/meta/cluster"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/meta/version"
	"github.com/cockroachdb/hummock/objstorage"
	"github.com/cockroachdb/hummock/rpc"
	"github.com/cockroachdb/hummock/sstable"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type method string

const (
	methodInjectBarrier   method = "InjectBarrier"
	methodBarrierComplete method = "BarrierComplete"
	methodBuildActors     method = "BuildActors"
)

// faults counts the calls made through a faultyPool and fails the next
// calls of a method on a worker on demand.
type faults struct {
	mu      sync.Mutex
	calls   map[method]int
	pending map[streampb.WorkerID]map[method]int
}

func (f *faults) add(w streampb.WorkerID, m method, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[w] == nil {
		f.pending[w] = make(map[method]int)
	}
	f.pending[w][m] += n
}

func (f *faults) call(w streampb.WorkerID, m method) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[m]++
	if f.pending[w][m] > 0 {
		f.pending[w][m]--
		return errors.Newf("injected %s failure on worker %d", m, w)
	}
	return nil
}

func (f *faults) count(m method) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[m]
}

func (f *faults) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type faultyService struct {
	streampb.StreamService
	id     streampb.WorkerID
	faults *faults
}

func (s *faultyService) UpdateActors(
	ctx context.Context, req *streampb.UpdateActorsRequest,
) (*streampb.UpdateActorsResponse, error) {
	if err := s.faults.call(s.id, "UpdateActors"); err != nil {
		return nil, err
	}
	return s.StreamService.UpdateActors(ctx, req)
}

func (s *faultyService) BuildActors(
	ctx context.Context, req *streampb.BuildActorsRequest,
) (*streampb.BuildActorsResponse, error) {
	if err := s.faults.call(s.id, methodBuildActors); err != nil {
		return nil, err
	}
	return s.StreamService.BuildActors(ctx, req)
}

func (s *faultyService) BroadcastActorInfoTable(
	ctx context.Context, req *streampb.BroadcastActorInfoTableRequest,
) (*streampb.BroadcastActorInfoTableResponse, error) {
	if err := s.faults.call(s.id, "BroadcastActorInfoTable"); err != nil {
		return nil, err
	}
	return s.StreamService.BroadcastActorInfoTable(ctx, req)
}

func (s *faultyService) DropActors(
	ctx context.Context, req *streampb.DropActorsRequest,
) (*streampb.DropActorsResponse, error) {
	if err := s.faults.call(s.id, "DropActors"); err != nil {
		return nil, err
	}
	return s.StreamService.DropActors(ctx, req)
}

func (s *faultyService) ForceStopActors(
	ctx context.Context, req *streampb.ForceStopActorsRequest,
) (*streampb.ForceStopActorsResponse, error) {
	if err := s.faults.call(s.id, "ForceStopActors"); err != nil {
		return nil, err
	}
	return s.StreamService.ForceStopActors(ctx, req)
}

func (s *faultyService) InjectBarrier(
	ctx context.Context, req *streampb.InjectBarrierRequest,
) (*streampb.InjectBarrierResponse, error) {
	if err := s.faults.call(s.id, methodInjectBarrier); err != nil {
		return nil, err
	}
	return s.StreamService.InjectBarrier(ctx, req)
}

func (s *faultyService) BarrierComplete(
	ctx context.Context, req *streampb.BarrierCompleteRequest,
) (*streampb.BarrierCompleteResponse, error) {
	if err := s.faults.call(s.id, methodBarrierComplete); err != nil {
		return nil, err
	}
	return s.StreamService.BarrierComplete(ctx, req)
}

// faultyPool wraps the services of a LocalPool in faultyServices.
type faultyPool struct {
	*rpc.LocalPool
	faults *faults
}

var _ rpc.ClientPool = (*faultyPool)(nil)

func (p *faultyPool) Get(ctx context.Context, node streampb.WorkerNode) (streampb.StreamService, error) {
	svc, err := p.LocalPool.Get(ctx, node)
	if err != nil {
		return nil, err
	}
	return &faultyService{StreamService: svc, id: node.ID, faults: p.faults}, nil
}

// stubService acknowledges barriers immediately and reports one table per
// epoch.
type stubService struct {
	streampb.StreamService
	id streampb.WorkerID
}

func (s *stubService) InjectBarrier(
	_ context.Context, req *streampb.InjectBarrierRequest,
) (*streampb.InjectBarrierResponse, error) {
	return &streampb.InjectBarrierResponse{RequestID: req.RequestID}, nil
}

func (s *stubService) BarrierComplete(
	_ context.Context, req *streampb.BarrierCompleteRequest,
) (*streampb.BarrierCompleteResponse, error) {
	return &streampb.BarrierCompleteResponse{
		RequestID: req.RequestID,
		WorkerID:  s.id,
		SyncedSstables: []sstable.LocalInfo{{Info: sstable.Info{
			ObjectID: uint64(s.id)*1000 + uint64(req.PrevEpoch),
			KeyRange: base.KeyRange{
				Left:  base.AppendFullKey(nil, []byte(fmt.Sprintf("w%d-a", s.id)), req.PrevEpoch),
				Right: base.AppendFullKey(nil, []byte(fmt.Sprintf("w%d-z", s.id)), req.PrevEpoch),
			},
			MinEpoch: req.PrevEpoch,
			MaxEpoch: req.PrevEpoch,
		}}},
	}, nil
}

type testCluster struct {
	t         *testing.T
	store     *metastore.MemStore
	objects   *objstorage.MemStore
	cluster   *cluster.Manager
	fragments *cluster.FragmentManager
	versions  *version.Manager
	pool      *faultyPool
	reg       *prometheus.Registry
	services  map[streampb.WorkerID]*compute.Service
	nextPort  int32
}

func newTestCluster(t *testing.T) *testCluster {
	ctx := context.Background()
	logger := testutils.Logger{T: t}
	c := &testCluster{
		t:       t,
		store:   metastore.NewMemStore(),
		objects: objstorage.NewMemStore(),
		pool: &faultyPool{
			LocalPool: rpc.NewLocalPool(),
			faults: &faults{
				calls:   make(map[method]int),
				pending: make(map[streampb.WorkerID]map[method]int),
			},
		},
		reg:      prometheus.NewRegistry(),
		services: make(map[streampb.WorkerID]*compute.Service),
		nextPort: 5690,
	}
	var err error
	c.cluster, err = cluster.NewManager(ctx, c.store, logger)
	require.NoError(t, err)
	c.fragments, err = cluster.NewFragmentManager(ctx, c.store, logger)
	require.NoError(t, err)
	c.versions, err = version.NewManager(ctx, c.store, version.Options{ObjectStore: c.objects, Logger: logger})
	require.NoError(t, err)
	return c
}

// addNode registers a running compute node served by svc.
func (c *testCluster) addNode(svc func(id streampb.WorkerID) streampb.StreamService) streampb.WorkerNode {
	ctx := context.Background()
	host := streampb.HostAddress{Host: "127.0.0.1", Port: c.nextPort}
	c.nextPort++
	n, err := c.cluster.AddWorkerNode(ctx, host, streampb.WorkerTypeComputeNode)
	require.NoError(c.t, err)
	require.NoError(c.t, c.cluster.ActivateWorkerNode(ctx, host))
	c.pool.Register(n.ID, svc(n.ID))
	return n
}

func (c *testCluster) addStubNode() streampb.WorkerNode {
	return c.addNode(func(id streampb.WorkerID) streampb.StreamService {
		return &stubService{id: id}
	})
}

// addComputeNode registers a compute node running WriterActors. Its store
// follows the committed versions.
func (c *testCluster) addComputeNode() *compute.Service {
	var svc *compute.Service
	c.addNode(func(id streampb.WorkerID) streampb.StreamService {
		logger := testutils.Logger{T: c.t}
		store, err := hummock.Open(context.Background(), &hummock.Options{
			NodeID:      uint32(id),
			ObjectStore: c.objects,
			Schemas:     compute.WriterSchemas,
			Logger:      logger,
		})
		require.NoError(c.t, err)
		svc = compute.NewService(compute.Options{WorkerID: id, Store: store, Logger: logger})
		unsubscribe := c.versions.Subscribe(store.ApplyVersion)
		c.t.Cleanup(func() {
			unsubscribe()
			svc.Close()
			require.NoError(c.t, store.Close())
		})
		c.services[id] = svc
		return svc
	})
	return svc
}

func (c *testCluster) newManager(opts Options) *GlobalBarrierManager {
	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = 5 * time.Millisecond
	}
	opts.RecoveryInitialInterval = 5 * time.Millisecond
	opts.RecoveryMaxInterval = 50 * time.Millisecond
	if opts.Logger == nil {
		opts.Logger = testutils.Logger{T: c.t}
	}
	opts.Metrics = NewMetrics(c.reg)
	m := NewGlobalBarrierManager(c.store, c.cluster, c.fragments, c.versions, c.pool, opts)
	c.t.Cleanup(m.Stop)
	return m
}

func (c *testCluster) start(opts Options) *GlobalBarrierManager {
	m := c.newManager(opts)
	require.NoError(c.t, m.Start(context.Background()))
	return m
}

func (c *testCluster) counter(name string) float64 {
	mfs, err := c.reg.Gather()
	require.NoError(c.t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	c.t.Fatalf("metric %s not found", name)
	return 0
}

func testTable(id streampb.TableID, firstActor streampb.ActorID) *cluster.TableFragments {
	return &cluster.TableFragments{
		TableID: id,
		Fragments: []cluster.Fragment{
			{ID: 1, Actors: []streampb.StreamActor{
				{ActorID: firstActor, TableID: id, IsSource: true},
				{ActorID: firstActor + 1, TableID: id, IsSource: true},
			}},
			{ID: 2, Actors: []streampb.StreamActor{
				{ActorID: firstActor + 2, TableID: id, UpstreamActorIDs: []streampb.ActorID{firstActor}},
				{ActorID: firstActor + 3, TableID: id, IsChain: true},
			}},
		},
	}
}

func TestGlobalBarrierManager(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	c.addComputeNode()
	c.addComputeNode()
	m := c.start(Options{})

	tf := testTable(1, 10)
	require.NoError(t, m.CreateMaterializedView(ctx, tf, nil, nil))
	created, err := c.fragments.TableFragments(1)
	require.NoError(t, err)
	require.Equal(t, cluster.TableCreated, created.State)
	_, pinned := c.versions.MinPinnedEpoch()
	require.False(t, pinned)
	for _, svc := range c.services {
		require.Equal(t, 2, svc.RunningActors())
	}
	require.ErrorContains(t, m.CreateMaterializedView(ctx, testTable(1, 20), nil, nil), "exists")

	snap, err := m.Flush(ctx)
	require.NoError(t, err)
	require.True(t, snap.Epoch.IsValid())
	require.Equal(t, snap, c.versions.LatestSnapshot())
	watermark, err := m.loadWatermark(ctx)
	require.NoError(t, err)
	require.Greater(t, watermark, snap.Epoch)

	// Every actor wrote rows, and every node reads the rows of the others
	// from the committed tables.
	for _, svc := range c.services {
		for _, id := range tf.ActorIDs() {
			key := fmt.Sprintf("t0001/a%06d/0000", id)
			_, ok, err := svc.Store().Get(ctx, []byte(key), snap.Epoch)
			require.NoError(t, err)
			require.True(t, ok, key)
		}
	}

	require.NoError(t, m.DropMaterializedView(ctx, 1))
	_, err = c.fragments.TableFragments(1)
	require.ErrorIs(t, err, cluster.ErrTableNotFound)
	for _, svc := range c.services {
		require.Zero(t, svc.RunningActors())
	}
	require.ErrorIs(t, m.DropMaterializedView(ctx, 1), cluster.ErrTableNotFound)

	// Without actors barriers are no-ops and no epoch is committed.
	before := c.versions.LatestSnapshot()
	after, err := m.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestNothingToDo(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	c.addComputeNode()
	m := c.start(Options{CheckpointInterval: time.Hour})

	// The first flush returns once recovery is done.
	_, err := m.Flush(ctx)
	require.NoError(t, err)
	calls := c.pool.faults.total()

	require.NoError(t, m.RunCommand(ctx, Checkpoint()))
	require.NoError(t, m.IssueCommand(ctx, Plain(&streampb.Mutation{})))
	snap, err := m.Flush(ctx)
	require.NoError(t, err)
	require.False(t, snap.Epoch.IsValid())

	require.Equal(t, calls, c.pool.faults.total())
	watermark, err := m.loadWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, base.InvalidEpoch, watermark)
	require.Zero(t, c.versions.Current().ID)
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	c.addComputeNode()
	n2 := c.addComputeNode()
	m := c.start(Options{})

	require.NoError(t, m.CreateMaterializedView(ctx, testTable(1, 10), nil, nil))
	before, err := m.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1.0, c.counter("meta_recovery_total"))

	var id streampb.WorkerID
	for w, svc := range c.services {
		if svc == n2 {
			id = w
		}
	}
	c.pool.faults.add(id, methodBarrierComplete, 1)
	require.Eventually(t, func() bool {
		return c.counter("meta_recovery_total") == 2
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, 1.0, c.counter("meta_barrier_failures_total"))

	// Barriers are committed again once the actors are rebuilt.
	after, err := m.Flush(ctx)
	require.NoError(t, err)
	require.Greater(t, after.Epoch, before.Epoch)
	for _, svc := range c.services {
		require.Equal(t, 2, svc.RunningActors())
	}
}

func TestCreateMaterializedViewBuildFailure(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	c.addComputeNode()
	n2 := c.addComputeNode()
	m := c.start(Options{})

	var id streampb.WorkerID
	for w, svc := range c.services {
		if svc == n2 {
			id = w
		}
	}
	c.pool.faults.add(id, methodBuildActors, 1)
	require.Error(t, m.CreateMaterializedView(ctx, testTable(1, 10), nil, nil))
	require.Empty(t, c.fragments.ListTableFragments())

	// The failure was transient; the actors already built are reused.
	require.NoError(t, m.CreateMaterializedView(ctx, testTable(1, 10), nil, nil))
}

func TestCreateMaterializedViewAcrossRecovery(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	c.addComputeNode()
	c.addComputeNode()
	m := c.newManager(Options{})

	// A recovery between the build and the command keeps the fragments of
	// the table and rebuilds its actors.
	tf := testTable(1, 10)
	require.NoError(t, m.buildCreatingTable(ctx, tf))
	require.True(t, m.recover())
	creating, err := c.fragments.TableFragments(1)
	require.NoError(t, err)
	require.Equal(t, cluster.TableCreating, creating.State)
	for _, svc := range c.services {
		require.Equal(t, 2, svc.RunningActors())
	}

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.RunCommand(ctx, CreateMaterializedView(tf, nil, nil)))
	created, err := c.fragments.TableFragments(1)
	require.NoError(t, err)
	require.Equal(t, cluster.TableCreated, created.State)
	for _, svc := range c.services {
		require.Equal(t, 2, svc.RunningActors())
	}
}

func TestCreateMaterializedViewWithoutFragments(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	c.addComputeNode()
	m := c.start(Options{})

	err := m.RunCommand(ctx, CreateMaterializedView(testTable(1, 10), nil, nil))
	require.ErrorIs(t, err, cluster.ErrTableNotFound)

	// A table that is already created cannot be created again by command.
	require.NoError(t, m.CreateMaterializedView(ctx, testTable(2, 20), nil, nil))
	err = m.RunCommand(ctx, CreateMaterializedView(testTable(2, 20), nil, nil))
	require.ErrorContains(t, err, "not being created")
}

func TestInjectFailureCompletesOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	n1 := c.addStubNode()
	n2 := c.addStubNode()
	m := c.newManager(Options{})
	c.pool.faults.add(n2.ID, methodInjectBarrier, 1)

	info := ResolveActorInfo([]streampb.WorkerNode{n1, n2}, cluster.ActorInfos{
		ActorMaps:              map[streampb.WorkerID][]streampb.ActorID{n1.ID: {1}, n2.ID: {2}},
		BarrierInjectActorMaps: map[streampb.WorkerID][]streampb.ActorID{n1.ID: {1}, n2.ID: {2}},
	})
	m.injectBarrier(ctx, newCommandContext(info, 5, 6, Checkpoint(), &m.env))
	done := <-m.completions
	require.Equal(t, base.Epoch(5), done.prevEpoch)
	require.ErrorContains(t, done.err, "injected InjectBarrier failure")
	require.Nil(t, done.resps)
	select {
	case extra := <-m.completions:
		t.Fatalf("unexpected second completion: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, c.pool.faults.count(methodBarrierComplete))
	require.Zero(t, c.versions.Current().MaxCommittedEpoch)
}

func TestHandleCompletion(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	n1 := c.addStubNode()
	n2 := c.addStubNode()
	m := c.newManager(Options{})

	info := ResolveActorInfo([]streampb.WorkerNode{n1, n2}, cluster.ActorInfos{
		ActorMaps:              map[streampb.WorkerID][]streampb.ActorID{n1.ID: {1}, n2.ID: {2}},
		BarrierInjectActorMaps: map[streampb.WorkerID][]streampb.ActorID{n1.ID: {1}, n2.ID: {2}},
	})
	n := NewNotifier(false /* toSend */, true /* collected */, true /* finished */)
	cmdCtx := newCommandContext(info, 5, 6, Checkpoint(), &m.env)
	m.state.checkpoints.Inject(cmdCtx, []*Notifier{n}, crtime.NowMono())
	m.injectBarrier(ctx, cmdCtx)
	done := <-m.completions
	require.NoError(t, done.err)
	require.Len(t, done.resps, 2)

	// Completions from before a recovery are discarded.
	m.state.generation++
	m.handleCompletion(done)
	require.Zero(t, c.versions.Current().MaxCommittedEpoch)
	done.generation = m.state.generation

	m.handleCompletion(done)
	require.NoError(t, <-n.Collected)
	require.NoError(t, <-n.Finished)
	v := c.versions.Current()
	require.Equal(t, base.Epoch(5), v.MaxCommittedEpoch)
	require.Len(t, v.L0, 1)
	require.Len(t, v.L0[0].Tables, 2)
}

func TestFailureWithoutRecoveryIsFatal(t *testing.T) {
	c := newTestCluster(t)
	n1 := c.addStubNode()
	m := c.newManager(Options{
		DisableRecovery: true,
		Logger:          testutils.Logger{T: t, PanicOnFatal: true},
	})
	info := ResolveActorInfo([]streampb.WorkerNode{n1}, cluster.ActorInfos{
		ActorMaps: map[streampb.WorkerID][]streampb.ActorID{n1.ID: {1}},
	})
	n := NewNotifier(false /* toSend */, true /* collected */, true /* finished */)
	m.state.checkpoints.Inject(newCommandContext(info, 5, 6, Checkpoint(), &m.env), []*Notifier{n}, crtime.NowMono())

	require.Panics(t, func() {
		m.handleCompletion(completion{prevEpoch: 5, err: errors.New("node lost")})
	})
	require.ErrorContains(t, <-n.Collected, "node lost")
	require.ErrorContains(t, <-n.Finished, "node lost")
	require.Zero(t, c.versions.Current().MaxCommittedEpoch)
}

func TestStopAbortsScheduledCommands(t *testing.T) {
	c := newTestCluster(t)
	m := c.newManager(Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- m.RunCommand(context.Background(), Checkpoint()) }()
	require.Eventually(t, func() bool { return m.scheduled.Len() == 1 }, 10*time.Second, time.Millisecond)
	m.Stop()
	require.ErrorIs(t, <-errCh, ErrAborted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.IssueCommand(ctx, Checkpoint()), context.Canceled)
}
