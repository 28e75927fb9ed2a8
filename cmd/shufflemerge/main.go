// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"cloudeng.io/errors"
	"github.com/schollz/progressbar/v2"

	"github.com/cosnicolaou/shufflemerge"
	"github.com/cosnicolaou/shufflemerge/internal/testmof"
)

type mergeFlags struct {
	Mode         string `subcmd:"mode,hybrid,'merge strategy: online, hybrid or on-disk'"`
	NumLPQs      int    `subcmd:"num-lpqs,4,'number of leaf priority queues for hybrid mode'"`
	ParallelLPQs int    `subcmd:"parallel-lpqs,2,'number of leaves pipelined concurrently in hybrid mode'"`
	OutputFile   string `subcmd:"output,,'output file, omit for stdout'"`
	ProgressBar  bool   `subcmd:"progress,true,'display a progress bar'"`
}

var cmdSet *subcmd.CommandSet

func init() {
	mergeCmd := subcmd.NewCommand("merge",
		subcmd.MustRegisterFlagStruct(&mergeFlags{}, nil, nil),
		merge, subcmd.ExactlyNumArguments(1))
	mergeCmd.Document(`merge a directory of local MOF-shaped fixture files and write the totally ordered result. Each file in the directory is treated as one MOF's record-framed content.`)

	cmdSet = subcmd.NewCommandSet(mergeCmd)
	cmdSet.Document(`drive a MergeManager run over local files, for inspection and testing without a real fetch client.`)
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

func parseMode(s string) (shufflemerge.Mode, error) {
	switch s {
	case "online":
		return shufflemerge.ModeOnline, nil
	case "hybrid":
		return shufflemerge.ModeHybrid, nil
	case "on-disk":
		return shufflemerge.ModeOnDisk, nil
	default:
		return 0, fmt.Errorf("unknown mode %q: want online, hybrid or on-disk", s)
	}
}

func loadFixtures(dir string) (*testmof.Store, []shufflemerge.FetchTarget, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	store := testmof.NewStore()
	var targets []shufflemerge.FetchTarget
	for i, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, store.AddMOFBytes(path, "localhost", i, content))
	}
	return store, targets, nil
}

// progressBar renders one tick per value received on ch, mirroring
// the teacher's progressBar function in cmd/pbzip2/main.go but driven
// by HostBridge.FetchOver events instead of per-block byte counts.
func progressBar(ctx context.Context, wr io.Writer, ch <-chan struct{}, total int) {
	bar := progressbar.NewOptions(total, progressbar.OptionSetWriter(wr))
	bar.RenderBlank()
	seen := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				fmt.Fprintf(wr, "\n")
				return
			}
			seen++
			bar.Add(1)
			if seen >= total {
				fmt.Fprintf(wr, "\n")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func merge(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)

	cl := values.(*mergeFlags)
	mode, err := parseMode(cl.Mode)
	if err != nil {
		return err
	}

	store, targets, err := loadFixtures(args[0])
	if err != nil {
		return err
	}

	client := testmof.NewFetchClient(store)
	bridge := testmof.NewBridge(nil)
	pool := testmof.NewPool(len(targets)*2+8, 1<<20)

	manager, err := shufflemerge.NewMergeManager(mode, bridge, client, pool, shufflemerge.ByteOrder, cl.NumLPQs,
		shufflemerge.WithParallelLPQs(cl.ParallelLPQs))
	if err != nil {
		return err
	}
	client.Attach(manager)

	var done chan struct{}
	if cl.ProgressBar {
		ch := make(chan struct{}, len(targets))
		bridge.SendProgressOn(ch)
		done = make(chan struct{})
		go func() {
			progressBar(ctx, os.Stderr, ch, len(targets))
			close(done)
		}()
	}

	errs := &errors.M{}
	errs.Append(manager.Run(ctx, targets))

	if done != nil {
		cancel()
		<-done
	}

	var wr io.Writer = os.Stdout
	if len(cl.OutputFile) > 0 {
		f, err := os.Create(cl.OutputFile)
		if err != nil {
			errs.Append(err)
			return errs.Err()
		}
		defer f.Close()
		wr = f
	}
	_, err = wr.Write(bridge.Delivered())
	errs.Append(err)
	return errs.Err()
}
