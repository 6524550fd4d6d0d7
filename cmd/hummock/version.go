// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/meta/cluster"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/meta/version"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/kr/pretty"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the committed version and the cluster of a meta-store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if dumpFlags.metaDir == "" {
			return errors.New("--meta-dir is required")
		}
		l := newLoggers(os.Stderr, verbose)
		store, err := metastore.OpenPebble(dumpFlags.metaDir, metastore.PebbleOptions{Logger: l.For("metastore")})
		if err != nil {
			return err
		}
		defer store.Close()
		return dumpVersion(context.Background(), cmd.OutOrStdout(), store, l)
	},
}

func dumpVersion(ctx context.Context, w io.Writer, store metastore.MetaStore, l loggers) error {
	versions, err := version.NewManager(ctx, store, version.Options{Logger: l.For("version")})
	if err != nil {
		return err
	}
	nodes, err := cluster.NewManager(ctx, store, l.For("cluster"))
	if err != nil {
		return err
	}
	fragments, err := cluster.NewFragmentManager(ctx, store, l.For("fragments"))
	if err != nil {
		return err
	}

	v := versions.Current()
	fmt.Fprintf(w, "version %d, max committed epoch %s, %d tables\n",
		v.ID, v.MaxCommittedEpoch, v.TableCount())
	if _, err := pretty.Fprintf(w, "%# v\n", v.L0); err != nil {
		return err
	}
	if epoch, ok := versions.MinPinnedEpoch(); ok {
		fmt.Fprintf(w, "min pinned epoch %s\n", epoch)
	}
	for _, n := range nodes.ListWorkerNodes(streampb.WorkerTypeComputeNode, streampb.WorkerStateUnspecified) {
		fmt.Fprintf(w, "worker %d %s %s\n", n.ID, n.Host, n.State)
	}
	for _, t := range fragments.ListTableFragments() {
		fmt.Fprintf(w, "table %d %s: %d actors\n", t.TableID, t.State, len(t.ActorIDs()))
	}
	return nil
}
