// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package barrier implements the global barrier manager: it assigns epochs,
// injects barriers into every compute node, collects them, and commits the
// tables each epoch produced in epoch order.
package barrier

import (
	"context"
	"encoding/binary"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/meta/cluster"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/meta/version"
	"github.com/cockroachdb/hummock/rpc"
	"github.com/cockroachdb/hummock/sstable"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCheckpointInterval      = 100 * time.Millisecond
	DefaultInFlightBarrierNums     = 40
	DefaultRecoveryInitialInterval = 100 * time.Millisecond
	DefaultRecoveryMaxInterval     = 10 * time.Second
)

// metaContextID is the context snapshots pinned by the meta node belong to.
const metaContextID = 0

var watermarkKey = []byte("inflight_prev_epoch")

// SplitAssignments provides the source splits assigned to source actors.
type SplitAssignments interface {
	ListAssignments() map[streampb.ActorID][]streampb.Split
}

// Options configure a GlobalBarrierManager.
type Options struct {
	// CheckpointInterval is the period of checkpoint barriers injected when
	// no command is scheduled.
	CheckpointInterval time.Duration
	// InFlightBarrierNums bounds the barriers being collected.
	InFlightBarrierNums int
	// DisableRecovery makes a failed epoch fatal.
	DisableRecovery bool
	// RecoveryInitialInterval and RecoveryMaxInterval bound the exponential
	// backoff between recovery attempts.
	RecoveryInitialInterval time.Duration
	RecoveryMaxInterval     time.Duration
	// Splits, if set, provides the split assignment of the barrier injected
	// by recovery.
	Splits  SplitAssignments
	Logger  base.Logger
	Metrics *Metrics
}

// EnsureDefaults fills in default values for unset fields.
func (o *Options) EnsureDefaults() *Options {
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.InFlightBarrierNums <= 0 {
		o.InFlightBarrierNums = DefaultInFlightBarrierNums
	}
	if o.RecoveryInitialInterval <= 0 {
		o.RecoveryInitialInterval = DefaultRecoveryInitialInterval
	}
	if o.RecoveryMaxInterval <= 0 {
		o.RecoveryMaxInterval = DefaultRecoveryMaxInterval
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}

// completion is the verdict of the barrier following prevEpoch.
type completion struct {
	generation uint64
	prevEpoch  base.Epoch
	resps      []*streampb.BarrierCompleteResponse
	err        error
}

// GlobalBarrierManager schedules, injects, collects and commits barriers.
type GlobalBarrierManager struct {
	opts      Options
	store     metastore.MetaStore
	versions  *version.Manager
	env       env
	scheduled *ScheduledBarriers

	completions chan completion
	// stopCtx is canceled as soon as Stop is called. It bounds recovery and
	// the delivery of completions.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	// rpcCtx is canceled once the loop exited, so that no barrier is
	// interrupted mid-injection.
	rpcCtx    context.Context
	rpcCancel context.CancelFunc
	collects  sync.WaitGroup

	shutdown  chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	// ddl serializes the actor builds of CreateMaterializedView with
	// recovery. creating holds the tables built but not yet collected; their
	// fragments survive recovery.
	ddl struct {
		sync.Mutex
		creating map[streampb.TableID]struct{}
	}

	// state is owned by the loop goroutine.
	state struct {
		prevEpoch   base.Epoch
		generation  uint64
		checkpoints CheckpointControl
		tracker     *progressTracker
	}
}

// NewGlobalBarrierManager returns a manager. Start must be called before
// commands make progress.
func NewGlobalBarrierManager(
	store metastore.MetaStore,
	clusterManager *cluster.Manager,
	fragments *cluster.FragmentManager,
	versions *version.Manager,
	clients rpc.ClientPool,
	opts Options,
) *GlobalBarrierManager {
	m := &GlobalBarrierManager{
		opts:        *opts.EnsureDefaults(),
		store:       store,
		versions:    versions,
		env:         env{cluster: clusterManager, fragments: fragments, clients: clients},
		scheduled:   NewScheduledBarriers(),
		completions: make(chan completion),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	m.stopCtx, m.stopCancel = context.WithCancel(context.Background())
	m.rpcCtx, m.rpcCancel = context.WithCancel(context.Background())
	m.ddl.creating = make(map[streampb.TableID]struct{})
	m.state.tracker = newProgressTracker()
	return m
}

func (m *GlobalBarrierManager) loadWatermark(ctx context.Context) (base.Epoch, error) {
	data, err := m.store.Get(ctx, metastore.CFDefault, watermarkKey)
	switch {
	case errors.Is(err, metastore.ErrNotFound):
		return base.InvalidEpoch, nil
	case err != nil:
		return 0, errors.Wrap(err, "loading barrier watermark")
	case len(data) != 8:
		return 0, base.CorruptionErrorf("barrier watermark of %d bytes", len(data))
	}
	return base.Epoch(binary.BigEndian.Uint64(data)), nil
}

func (m *GlobalBarrierManager) persistWatermark(ctx context.Context, epoch base.Epoch) error {
	data := binary.BigEndian.AppendUint64(nil, uint64(epoch))
	return errors.Wrap(m.store.Put(ctx, metastore.CFDefault, watermarkKey, data), "persisting barrier watermark")
}

// Start loads the persisted watermark and starts the barrier loop. With
// recovery enabled the loop first recovers the cluster from the watermark.
func (m *GlobalBarrierManager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		var prev base.Epoch
		if prev, err = m.loadWatermark(ctx); err != nil {
			close(m.done)
			return
		}
		m.state.prevEpoch = prev
		go m.run()
	})
	return err
}

// Stop stops the loop between two ticks, then fails the commands in flight
// and the scheduled ones with ErrAborted.
func (m *GlobalBarrierManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.shutdown)
		m.stopCancel()
		// The loop never started if Start was not called or failed.
		m.startOnce.Do(func() { close(m.done) })
		<-m.done
		m.rpcCancel()
		m.collects.Wait()
		m.scheduled.Abort()
	})
}

func (m *GlobalBarrierManager) run() {
	defer close(m.done)
	defer m.abortInFlight()
	if !m.opts.DisableRecovery && !m.recover() {
		return
	}
	ticker := time.NewTicker(m.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		// Shutdown, then completions, take priority over injection.
		select {
		case <-m.shutdown:
			return
		default:
		}
		select {
		case c := <-m.completions:
			m.handleCompletion(c)
			continue
		default:
		}

		var scheduled <-chan struct{}
		var tick <-chan time.Time
		if m.state.checkpoints.CanInjectBarrier(m.opts.InFlightBarrierNums) {
			scheduled = m.scheduled.NonEmpty()
			tick = ticker.C
		}
		select {
		case <-m.shutdown:
			return
		case c := <-m.completions:
			m.handleCompletion(c)
			continue
		case <-scheduled:
		case <-tick:
		}
		m.injectNext(m.rpcCtx)
	}
}

// abortInFlight fails the commands the loop still tracks.
func (m *GlobalBarrierManager) abortInFlight() {
	for _, n := range m.state.checkpoints.Fail() {
		notifiers(n.Notifiers).failed(ErrAborted)
	}
	for _, tc := range m.state.tracker.commands {
		notifiers(tc.notifiers).finished(ErrAborted)
	}
	m.state.tracker.reset()
	m.updateGauges()
}

func (m *GlobalBarrierManager) updateGauges() {
	inFlight, total := m.state.checkpoints.BarrierLen()
	m.opts.Metrics.InFlightBarriers.Set(float64(inFlight))
	m.opts.Metrics.AllBarriers.Set(float64(total))
}

func (m *GlobalBarrierManager) resolveActorInfo(creating *streampb.TableID) *BarrierActorInfo {
	nodes := m.env.cluster.ListWorkerNodes(streampb.WorkerTypeComputeNode, streampb.WorkerStateRunning)
	return ResolveActorInfo(nodes, m.env.fragments.LoadAllActors(creating))
}

// injectNext pops a command and injects the barrier carrying it.
func (m *GlobalBarrierManager) injectNext(ctx context.Context) {
	sc := m.scheduled.PopOrDefault()
	ns := notifiers(sc.Notifiers)
	var creating *streampb.TableID
	if id, ok := sc.Command.CreatingTableID(); ok {
		creating = &id
	}
	if creating != nil {
		if t, err := m.env.fragments.TableFragments(*creating); err != nil || t.State != cluster.TableCreating {
			if err == nil {
				err = errors.Newf("barrier: table %d is not being created", *creating)
			}
			m.opts.Logger.Errorf("barrier: not injecting %s: %v", sc.Command, err)
			ns.failed(err)
			return
		}
	}
	info := m.resolveActorInfo(creating)
	if info.NothingToDo() {
		// No epoch is allocated for a barrier no actor would see. Waiters on
		// finished are released too since nothing is left to track.
		ns.toSend()
		ns.collected(nil)
		ns.finished(nil)
		return
	}

	prev := m.state.prevEpoch
	curr := prev.Next()
	cmdCtx := newCommandContext(info, prev, curr, sc.Command, &m.env)
	if err := m.persistWatermark(ctx, curr); err != nil {
		m.opts.Logger.Errorf("barrier: not injecting %s: %v", sc.Command, err)
		ns.failed(err)
		return
	}
	m.state.prevEpoch = curr
	ns.toSend()
	m.state.checkpoints.Inject(cmdCtx, sc.Notifiers, crtime.NowMono())
	m.updateGauges()
	m.injectBarrier(ctx, cmdCtx)
}

// injectBarrier injects the barrier of cmdCtx into every node and returns
// once every node acknowledged it. The barrier is then collected in the
// background and exactly one completion is delivered for it.
func (m *GlobalBarrierManager) injectBarrier(ctx context.Context, cmdCtx *CommandContext) {
	generation := m.state.generation
	start := crtime.NowMono()
	err := m.sendBarrier(ctx, cmdCtx)
	m.opts.Metrics.BarrierSendLatency.Observe(start.Elapsed().Seconds())

	m.collects.Add(1)
	go func() {
		defer m.collects.Done()
		var resps []*streampb.BarrierCompleteResponse
		if err == nil {
			resps, err = m.collectBarrier(ctx, cmdCtx)
		}
		c := completion{generation: generation, prevEpoch: cmdCtx.prevEpoch, resps: resps, err: err}
		select {
		case m.completions <- c:
		case <-m.stopCtx.Done():
		}
	}()
}

// forEachNode runs fn concurrently for every node of nodes and returns the
// first error.
func (m *GlobalBarrierManager) forEachNode(
	ctx context.Context,
	nodes []streampb.WorkerNode,
	fn func(ctx context.Context, i int, node streampb.WorkerNode, client streampb.StreamService) error,
) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		g.Go(func() error {
			client, err := m.env.clients.Get(gctx, node)
			if err != nil {
				return err
			}
			if err := fn(gctx, i, node, client); err != nil {
				return errors.Wrapf(err, "worker %d", node.ID)
			}
			return nil
		})
	}
	return g.Wait()
}

// collectingNodes returns the nodes with actors collecting the barrier.
func collectingNodes(info *BarrierActorInfo) []streampb.WorkerNode {
	nodes := info.Nodes()
	return slices.DeleteFunc(nodes, func(n streampb.WorkerNode) bool {
		return len(info.ActorsToCollect(n.ID)) == 0
	})
}

func (m *GlobalBarrierManager) sendBarrier(ctx context.Context, cmdCtx *CommandContext) error {
	mutation, err := cmdCtx.ToMutation()
	if err != nil {
		return err
	}
	b := streampb.Barrier{
		Epoch:    base.MakeEpochPair(cmdCtx.prevEpoch, cmdCtx.currEpoch),
		Mutation: mutation,
	}
	return m.forEachNode(ctx, collectingNodes(cmdCtx.info),
		func(ctx context.Context, _ int, node streampb.WorkerNode, client streampb.StreamService) error {
			_, err := client.InjectBarrier(ctx, &streampb.InjectBarrierRequest{
				RequestID:         uuid.NewString(),
				Barrier:           b,
				ActorIDsToSend:    cmdCtx.info.ActorsToSend(node.ID),
				ActorIDsToCollect: cmdCtx.info.ActorsToCollect(node.ID),
			})
			return err
		})
}

func (m *GlobalBarrierManager) collectBarrier(
	ctx context.Context, cmdCtx *CommandContext,
) ([]*streampb.BarrierCompleteResponse, error) {
	nodes := collectingNodes(cmdCtx.info)
	resps := make([]*streampb.BarrierCompleteResponse, len(nodes))
	err := m.forEachNode(ctx, nodes,
		func(ctx context.Context, i int, _ streampb.WorkerNode, client streampb.StreamService) error {
			resp, err := client.BarrierComplete(ctx, &streampb.BarrierCompleteRequest{
				RequestID: uuid.NewString(),
				PrevEpoch: cmdCtx.prevEpoch,
			})
			resps[i] = resp
			return err
		})
	if err != nil {
		return nil, err
	}
	return resps, nil
}

// handleCompletion drains the barriers a completion unblocks and commits
// them in epoch order.
func (m *GlobalBarrierManager) handleCompletion(c completion) {
	if c.generation != m.state.generation {
		m.opts.Logger.Infof("barrier: discarding completion of epoch %s from before recovery", c.prevEpoch)
		return
	}
	ctx := m.rpcCtx
	drained := m.state.checkpoints.Complete(c.prevEpoch, c.resps, c.err)
	defer m.updateGauges()
	for i, node := range drained {
		err := node.Err
		if err == nil {
			err = m.completeBarrier(ctx, node)
		}
		if err != nil {
			m.failBarriers(ctx, slices.Concat(drained[i:], m.state.checkpoints.Fail()), err)
			return
		}
		m.opts.Metrics.BarrierLatency.Observe(node.Start.Elapsed().Seconds())
		ns := notifiers(node.Notifiers)
		ns.collected(nil)
		if m.state.tracker.add(node.CommandCtx, node.Notifiers) {
			ns.finished(nil)
		}
		for _, resp := range node.Responses {
			for _, p := range resp.CreateMviewProgress {
				if tc := m.state.tracker.update(p); tc != nil {
					notifiers(tc.notifiers).finished(nil)
				}
			}
		}
	}
}

// completeBarrier commits the tables of the epoch closed by node and applies
// the side effects of its command.
func (m *GlobalBarrierManager) completeBarrier(ctx context.Context, node *EpochNode) error {
	cmdCtx := node.CommandCtx
	if cmdCtx.prevEpoch.IsValid() {
		var ssts []sstable.LocalInfo
		for _, resp := range node.Responses {
			ssts = append(ssts, resp.SyncedSstables...)
		}
		if err := m.versions.CommitEpoch(ctx, cmdCtx.prevEpoch, ssts); err != nil {
			return errors.Wrapf(err, "committing epoch %s", cmdCtx.prevEpoch)
		}
	}
	if err := cmdCtx.PostCollect(ctx); err != nil {
		return errors.Wrapf(err, "applying %s", cmdCtx.command)
	}
	return nil
}

// failBarriers fails nodes with err and recovers, or exits the process if
// recovery is disabled.
func (m *GlobalBarrierManager) failBarriers(ctx context.Context, nodes []*EpochNode, err error) {
	m.opts.Metrics.CommitFailures.Inc()
	for _, n := range nodes {
		var ssts []sstable.LocalInfo
		for _, resp := range n.Responses {
			ssts = append(ssts, resp.SyncedSstables...)
		}
		if len(ssts) > 0 {
			if abortErr := m.versions.AbortEpoch(ctx, n.CommandCtx.prevEpoch, ssts); abortErr != nil {
				m.opts.Logger.Errorf("barrier: aborting epoch %s: %v", n.CommandCtx.prevEpoch, abortErr)
			}
		}
		notifiers(n.Notifiers).failed(err)
	}
	if m.opts.DisableRecovery {
		m.opts.Logger.Fatalf("barrier: epoch failed with recovery disabled: %v", err)
		return
	}
	m.opts.Logger.Errorf("barrier: epoch failed, recovering: %v", err)
	m.recover()
}
