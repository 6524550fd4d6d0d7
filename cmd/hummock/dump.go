// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/objstorage"
	"github.com/cockroachdb/hummock/sstable"
	"github.com/cockroachdb/hummock/sstable/block"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var dumpFlags struct {
	objectDir string
	metaDir   string
	rows      bool
	offset    uint64
	length    uint64
}

var sstCmd = &cobra.Command{
	Use:   "sst",
	Short: "table introspection tools",
}

var sstDumpCmd = &cobra.Command{
	Use:   "dump <object>",
	Short: "print the properties and blocks of a table",
	Long: `
Prints the properties and data block handles of a table in the object store.
The object is either an object name or a numeric object id.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if dumpFlags.objectDir == "" {
			return errors.New("--object-dir is required")
		}
		store, err := objstorage.NewFSStore(vfs.Default, dumpFlags.objectDir)
		if err != nil {
			return err
		}
		defer store.Close()
		return dumpTable(context.Background(), cmd.OutOrStdout(), store, args[0], dumpFlags.rows)
	},
}

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "block introspection tools",
}

var blockDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "decode and print a data block",
	Long: `
Decodes the data block held in a file and prints its rows. With --offset and
--length the block is read from within a table file, at a handle printed by
"sst dump".
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readFile(vfs.Default, args[0])
		if err != nil {
			return err
		}
		return dumpBlock(cmd.OutOrStdout(), data, dumpFlags.offset, dumpFlags.length)
	},
}

func readFile(fs vfs.FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// objectName resolves a numeric object id to its object name.
func objectName(arg string) string {
	if id, err := strconv.ParseUint(arg, 10, 64); err == nil {
		return sstable.ObjectName(id)
	}
	return arg
}

func dumpTable(
	ctx context.Context, w io.Writer, store objstorage.ObjectStore, object string, rows bool,
) error {
	name := objectName(object)
	data, err := store.Read(ctx, name)
	if err != nil {
		return err
	}
	r, err := sstable.NewReader(data)
	if err != nil {
		return errors.Wrapf(err, "reading %s", name)
	}
	props := r.Properties()
	fmt.Fprintf(w, "%s\n", name)
	fmt.Fprintf(w, "  size:       %d\n", len(data))
	fmt.Fprintf(w, "  smallest:   %s\n", base.FormatFullKey(props.SmallestKey))
	fmt.Fprintf(w, "  largest:    %s\n", base.FormatFullKey(props.LargestKey))
	fmt.Fprintf(w, "  epochs:     [%s, %s]\n", props.MinEpoch, props.MaxEpoch)
	fmt.Fprintf(w, "  entries:    %d (%d deletions)\n", props.NumEntries, props.NumDeletions)
	fmt.Fprintf(w, "  blocks:     %d\n", props.NumBlocks)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"block", "offset", "length", "compression", "rows", "first", "last"})
	blocks := make([]*block.Block, r.NumBlocks())
	for i := range blocks {
		b, err := r.Block(i)
		if err != nil {
			return err
		}
		blocks[i] = b
		h := r.BlockHandle(i)
		var first, last string
		if n := b.Len(); n > 0 {
			first, last = base.FormatFullKey(b.Key(0)), base.FormatFullKey(b.Key(n-1))
		}
		table.Append([]string{
			fmt.Sprint(i), fmt.Sprint(h.Offset), fmt.Sprint(h.Length),
			b.Compression().String(), fmt.Sprint(b.Len()), first, last,
		})
	}
	table.Render()

	if rows {
		for i, b := range blocks {
			fmt.Fprintf(w, "block %d\n", i)
			printRows(w, b)
		}
	}
	return nil
}

func dumpBlock(w io.Writer, data []byte, offset, length uint64) error {
	if offset > uint64(len(data)) {
		return errors.Newf("offset %d is past the end of the file (%d bytes)", offset, len(data))
	}
	data = data[offset:]
	if length > 0 {
		if length > uint64(len(data)) {
			return errors.Newf("block of %d bytes at offset %d exceeds the file", length, offset)
		}
		data = data[:length]
	}
	b, err := block.Decode(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "compression: %s\n", b.Compression())
	fmt.Fprintf(w, "schema:      %s\n", b.Schema())
	fmt.Fprintf(w, "rows:        %d (%d valid)\n", b.Len(), b.ValidLen())
	printRows(w, b)
	return nil
}

func printRows(w io.Writer, b *block.Block) {
	schema := b.Schema()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"key", "row"})
	for i := 0; i < b.Len(); i++ {
		row := b.Row(i)
		if row == nil {
			table.Append([]string{base.FormatFullKey(b.Key(i)), "<deleted>"})
			continue
		}
		datums := make([]string, len(row))
		for c, d := range row {
			datums[c] = d.Format(schema[c])
		}
		table.Append([]string{base.FormatFullKey(b.Key(i)), strings.Join(datums, ", ")})
	}
	table.Render()
}
