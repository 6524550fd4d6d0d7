// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "hummock [command] (flags)",
	Short: "hummock barrier playground and storage introspection tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		playgroundCmd,
		sstCmd,
		blockCmd,
		versionCmd,
	)
	sstCmd.AddCommand(sstDumpCmd)
	blockCmd.AddCommand(blockDumpCmd)

	rootCmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "enable verbose event logging")

	playgroundCmd.Flags().IntVarP(
		&playgroundFlags.nodes, "nodes", "n", 0, "number of compute nodes (overrides the config)")
	playgroundCmd.Flags().DurationVarP(
		&playgroundFlags.duration, "duration", "d", 0, "the duration to run (overrides the config)")
	playgroundCmd.Flags().StringVar(
		&playgroundFlags.transport, "transport", "", "local or grpc (overrides the config)")

	for _, cmd := range []*cobra.Command{sstDumpCmd, versionCmd} {
		cmd.Flags().StringVar(
			&dumpFlags.objectDir, "object-dir", "", "directory of the object store")
		cmd.Flags().StringVar(
			&dumpFlags.metaDir, "meta-dir", "", "directory of the meta-store")
	}
	sstDumpCmd.Flags().BoolVar(
		&dumpFlags.rows, "rows", false, "print the rows of every block")
	blockDumpCmd.Flags().Uint64Var(
		&dumpFlags.offset, "offset", 0, "offset of the block within the file")
	blockDumpCmd.Flags().Uint64Var(
		&dumpFlags.length, "length", 0, "length of the block (0, to the end of the file)")

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
