// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock"
	"github.com/cockroachdb/hummock/compute"
	"github.com/cockroachdb/hummock/internal/compression"
	"github.com/cockroachdb/hummock/meta/barrier"
	"github.com/cockroachdb/hummock/meta/cluster"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/meta/source"
	"github.com/cockroachdb/hummock/meta/version"
	"github.com/cockroachdb/hummock/objstorage"
	"github.com/cockroachdb/hummock/rpc"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
)

var playgroundFlags struct {
	nodes     int
	duration  time.Duration
	transport string
}

var playgroundCmd = &cobra.Command{
	Use:   "playground",
	Short: "run a meta node and compute nodes injecting barriers",
	Long: `
Runs a meta node and a set of compute nodes in one process, creates
materialized views, flushes barriers for the configured duration and drops
the views again. Prints barrier latencies and the committed version.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if playgroundFlags.nodes > 0 {
			cfg.ComputeNodes = playgroundFlags.nodes
		}
		if playgroundFlags.duration > 0 {
			cfg.Duration.Duration = playgroundFlags.duration
		}
		if playgroundFlags.transport != "" {
			cfg.Transport = playgroundFlags.transport
		}
		if err := cfg.validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return runPlayground(ctx, cfg, newLoggers(os.Stderr, verbose), cmd.OutOrStdout())
	},
}

type computeNode struct {
	node  streampb.WorkerNode
	store *hummock.Store
	svc   *compute.Service
}

// playground is a meta node and its compute nodes sharing one process.
type playground struct {
	cfg       config
	loggers   loggers
	meta      metastore.MetaStore
	objects   objstorage.ObjectStore
	cluster   *cluster.Manager
	fragments *cluster.FragmentManager
	versions  *version.Manager
	pool      rpc.ClientPool
	local     *rpc.LocalPool
	reg       *prometheus.Registry
	sources   *source.Manager
	barriers  *barrier.GlobalBarrierManager
	nodes     []computeNode
	// closers run in reverse order on close.
	closers []func() error
}

func startPlayground(ctx context.Context, cfg config, l loggers) (_ *playground, err error) {
	p := &playground{cfg: cfg, loggers: l, reg: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, p.close())
		}
	}()

	if cfg.MetaDir != "" {
		p.meta, err = metastore.OpenPebble(cfg.MetaDir, metastore.PebbleOptions{Logger: l.For("metastore")})
		if err != nil {
			return nil, err
		}
	} else {
		p.meta = metastore.NewMemStore()
	}
	p.closers = append(p.closers, p.meta.Close)

	if cfg.ObjectDir != "" {
		if err := vfs.Default.MkdirAll(cfg.ObjectDir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %q", cfg.ObjectDir)
		}
		if p.objects, err = objstorage.NewFSStore(vfs.Default, cfg.ObjectDir); err != nil {
			return nil, err
		}
	} else {
		p.objects = objstorage.NewMemStore()
	}
	p.closers = append(p.closers, p.objects.Close)

	if p.cluster, err = cluster.NewManager(ctx, p.meta, l.For("cluster")); err != nil {
		return nil, err
	}
	if p.fragments, err = cluster.NewFragmentManager(ctx, p.meta, l.For("fragments")); err != nil {
		return nil, err
	}
	p.versions, err = version.NewManager(ctx, p.meta, version.Options{
		ObjectStore: p.objects,
		Logger:      l.For("version"),
	})
	if err != nil {
		return nil, err
	}

	// Nodes of a previous run listened on other ports. Their actors are
	// migrated to the new nodes by recovery.
	for _, n := range p.cluster.ListWorkerNodes(streampb.WorkerTypeComputeNode, streampb.WorkerStateUnspecified) {
		if _, err := p.cluster.DeleteWorkerNode(ctx, n.Host); err != nil {
			return nil, err
		}
	}

	switch cfg.Transport {
	case "grpc":
		p.pool = rpc.NewGRPCPool()
	default:
		p.local = rpc.NewLocalPool()
		p.pool = p.local
	}
	p.closers = append(p.closers, p.pool.Close)

	for i := 0; i < cfg.ComputeNodes; i++ {
		if err := p.addComputeNode(ctx, i); err != nil {
			return nil, err
		}
	}

	if p.sources, err = source.NewManager(ctx, p.meta, nil, l.For("source")); err != nil {
		return nil, err
	}
	p.barriers = barrier.NewGlobalBarrierManager(p.meta, p.cluster, p.fragments, p.versions, p.pool, barrier.Options{
		CheckpointInterval:      cfg.Barrier.CheckpointInterval.Duration,
		InFlightBarrierNums:     cfg.Barrier.InFlightBarriers,
		DisableRecovery:         cfg.Barrier.DisableRecovery,
		RecoveryInitialInterval: cfg.Barrier.RecoveryInitialInterval.Duration,
		RecoveryMaxInterval:     cfg.Barrier.RecoveryMaxInterval.Duration,
		Splits:                  p.sources,
		Logger:                  l.For("barrier"),
		Metrics:                 barrier.NewMetrics(p.reg),
	})
	p.sources.SetRunner(p.barriers)
	if err := p.barriers.Start(ctx); err != nil {
		return nil, err
	}
	p.closers = append(p.closers, func() error {
		p.barriers.Stop()
		return nil
	})
	return p, nil
}

func (p *playground) addComputeNode(ctx context.Context, i int) error {
	host := streampb.HostAddress{Host: "127.0.0.1", Port: int32(5690 + i)}
	var lis net.Listener
	if p.local == nil {
		var err error
		if lis, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
			return errors.Wrap(err, "listening")
		}
		host.Port = int32(lis.Addr().(*net.TCPAddr).Port)
		p.closers = append(p.closers, func() error {
			// Serve has closed the listener unless it never started.
			if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
	}
	n, err := p.cluster.AddWorkerNode(ctx, host, streampb.WorkerTypeComputeNode)
	if err != nil {
		return err
	}
	algo, err := compression.ParseAlgorithm(p.cfg.Store.Compression)
	if err != nil {
		return err
	}
	logger := p.loggers.For(fmt.Sprintf("compute-%d", n.ID))
	store, err := hummock.Open(ctx, &hummock.Options{
		NodeID:                     uint32(n.ID),
		ObjectStore:                p.objects,
		SharedBufferCapacity:       p.cfg.Store.SharedBufferCapacity,
		SharedBufferFlushThreshold: p.cfg.Store.SharedBufferFlushThreshold,
		UploadConcurrency:          p.cfg.Store.UploadConcurrency,
		UploadBytesPerSec:          p.cfg.Store.UploadBytesPerSec,
		BlockSize:                  p.cfg.Store.BlockSize,
		TargetFileSize:             p.cfg.Store.TargetFileSize,
		Compression:                algo,
		Schemas:                    compute.WriterSchemas,
		Logger:                     logger,
	})
	if err != nil {
		return err
	}
	svc := compute.NewService(compute.Options{WorkerID: n.ID, Store: store, Logger: logger})
	unsubscribe := p.versions.Subscribe(store.ApplyVersion)
	p.closers = append(p.closers, func() error {
		unsubscribe()
		svc.Close()
		return store.Close()
	})

	if p.local != nil {
		p.local.Register(n.ID, svc)
	} else {
		srv := rpc.NewServer(svc)
		go func() {
			if err := srv.Serve(lis); err != nil {
				logger.Errorf("serving: %v", err)
			}
		}()
		p.closers = append(p.closers, func() error {
			srv.Stop()
			return nil
		})
	}
	if err := p.cluster.ActivateWorkerNode(ctx, host); err != nil {
		return err
	}
	p.nodes = append(p.nodes, computeNode{node: n, store: store, svc: svc})
	return nil
}

func (p *playground) close() error {
	var err error
	for i := len(p.closers) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, p.closers[i]())
	}
	p.closers = nil
	return err
}

// playgroundTable returns a materialized view reading a source with one
// actor per compute node. The view backfills from its upstream through a
// chain actor.
func playgroundTable(id streampb.TableID, sourceActors int) *cluster.TableFragments {
	first := streampb.ActorID(id) * 1000
	var sources []streampb.StreamActor
	for i := 0; i < sourceActors; i++ {
		sources = append(sources, streampb.StreamActor{
			ActorID: first + streampb.ActorID(i), TableID: id, IsSource: true,
		})
	}
	next := first + streampb.ActorID(sourceActors)
	return &cluster.TableFragments{
		TableID: id,
		Fragments: []cluster.Fragment{
			{ID: 1, Actors: sources},
			{ID: 2, Actors: []streampb.StreamActor{
				{ActorID: next, TableID: id, UpstreamActorIDs: []streampb.ActorID{first}},
				{ActorID: next + 1, TableID: id, IsChain: true},
			}},
		},
	}
}

// splitEnumerator discovers one more split per listing, up to max.
type splitEnumerator struct {
	table streampb.TableID
	max   int
	calls atomic.Int64
}

func (e *splitEnumerator) ListSplits(context.Context) ([]streampb.Split, error) {
	n := min(int(e.calls.Add(1)), e.max)
	splits := make([]streampb.Split, n)
	for i := range splits {
		splits[i] = streampb.Split{ID: fmt.Sprintf("t%d-%d", e.table, i)}
	}
	return splits, nil
}

// sourceActorIDs returns the actors reading the source of t.
func sourceActorIDs(t *cluster.TableFragments) []streampb.ActorID {
	var ids []streampb.ActorID
	for _, f := range t.Fragments {
		for _, a := range f.Actors {
			if a.IsSource {
				ids = append(ids, a.ActorID)
			}
		}
	}
	return ids
}

// summary collects the results of a playground run.
type summary struct {
	flushes   int
	latencies *hdrhistogram.Histogram
	splits    int
	version   *version.Version
}

func runPlayground(ctx context.Context, cfg config, l loggers, out io.Writer) (err error) {
	p, err := startPlayground(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, p.close())
	}()
	s, err := p.run(ctx)
	if err != nil {
		return err
	}
	return p.printSummary(out, s)
}

func (p *playground) run(ctx context.Context) (summary, error) {
	s := summary{latencies: hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3)}

	for _, t := range p.fragments.ListTableFragments() {
		if err := p.barriers.DropMaterializedView(ctx, t.TableID); err != nil {
			return s, errors.Wrapf(err, "dropping table %d of a previous run", t.TableID)
		}
	}
	var tables []*cluster.TableFragments
	for i := 1; i <= p.cfg.Tables; i++ {
		t := playgroundTable(streampb.TableID(i), p.cfg.ComputeNodes)
		if err := p.barriers.CreateMaterializedView(ctx, t, nil, nil); err != nil {
			return s, errors.Wrapf(err, "creating table %d", t.TableID)
		}
		enumerator := &splitEnumerator{table: t.TableID, max: p.cfg.Source.Splits}
		if err := p.sources.Register(streampb.SourceID(t.TableID), sourceActorIDs(t), enumerator); err != nil {
			return s, err
		}
		tables = append(tables, t)
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sources.Run(runCtx, p.cfg.Source.TickInterval.Duration)
	}()
	began := crtime.NowMono()
	for ctx.Err() == nil && began.Elapsed() < p.cfg.Duration.Duration {
		start := crtime.NowMono()
		if _, err := p.barriers.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			cancel()
			wg.Wait()
			return s, err
		}
		_ = s.latencies.RecordValue(int64(start.Elapsed() / time.Microsecond))
		s.flushes++
	}
	cancel()
	wg.Wait()

	for _, splits := range p.sources.ListAssignments() {
		s.splits += len(splits)
	}
	// An interrupt leaves the tables for the next run to drop.
	if ctx.Err() == nil {
		for _, t := range tables {
			if err := p.sources.Unregister(ctx, streampb.SourceID(t.TableID)); err != nil {
				return s, err
			}
			if err := p.barriers.DropMaterializedView(ctx, t.TableID); err != nil {
				return s, errors.Wrapf(err, "dropping table %d", t.TableID)
			}
		}
	}
	s.version = p.versions.Current()
	return s, nil
}

func (p *playground) printSummary(w io.Writer, s summary) error {
	quantile := func(q float64) string {
		return (time.Duration(s.latencies.ValueAtQuantile(q)) * time.Microsecond).String()
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"stat", "value"})
	table.Append([]string{"compute nodes", fmt.Sprint(len(p.nodes))})
	table.Append([]string{"flushes", fmt.Sprint(s.flushes)})
	table.Append([]string{"flush p50", quantile(50)})
	table.Append([]string{"flush p99", quantile(99)})
	table.Append([]string{"flush max", (time.Duration(s.latencies.Max()) * time.Microsecond).String()})
	table.Append([]string{"assigned splits", fmt.Sprint(s.splits)})
	table.Append([]string{"version", fmt.Sprint(s.version.ID)})
	table.Append([]string{"committed epoch", s.version.MaxCommittedEpoch.String()})
	table.Append([]string{"sub-levels", fmt.Sprint(len(s.version.L0))})
	table.Append([]string{"tables", fmt.Sprint(s.version.TableCount())})

	mfs, err := p.reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			table.Append(metricRow(mf, m))
		}
	}
	table.Render()
	return nil
}

// metricRow formats a sample of a barrier metric. Histograms print their
// sample count.
func metricRow(mf *dto.MetricFamily, m *dto.Metric) []string {
	switch mf.GetType() {
	case dto.MetricType_COUNTER:
		return []string{mf.GetName(), fmt.Sprint(m.GetCounter().GetValue())}
	case dto.MetricType_GAUGE:
		return []string{mf.GetName(), fmt.Sprint(m.GetGauge().GetValue())}
	case dto.MetricType_HISTOGRAM:
		return []string{mf.GetName() + "_count", fmt.Sprint(m.GetHistogram().GetSampleCount())}
	}
	return []string{mf.GetName(), m.String()}
}
