// Command txnctl is a small interactive harness for exercising the
// concurrency core against the in-memory reference storage
// implementation. It is a demonstration tool, not part of the
// concurrency control core itself.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wangjc1996/rocksdb/internal/concurrency"
	"github.com/wangjc1996/rocksdb/internal/storage/memstore"
)

const defaultCF = concurrency.CFID(0)

func main() {
	var lockTimeout time.Duration
	var dirtyBufferSize int

	root := &cobra.Command{
		Use:   "txnctl",
		Short: "Exercise the mixed 2PL/OCC concurrency core against an in-memory store",
	}
	root.PersistentFlags().DurationVar(&lockTimeout, "lock-timeout", time.Second, "pessimistic lock acquisition timeout")
	root.PersistentFlags().IntVar(&dirtyBufferSize, "dirty-buffer-size", 4096, "DirtyBuffer bucket count")

	root.AddCommand(&cobra.Command{
		Use:   "demo-ww",
		Short: "Run scenario S1: write-write blocking via a dependency",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := concurrency.DefaultOptions()
			opts.LockTimeout = lockTimeout
			opts.DirtyBufferSize = dirtyBufferSize
			return runWriteWriteDemo(opts)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error("txnctl failed", zap.Error(err))
		os.Exit(1)
	}
}

func runWriteWriteDemo(opts concurrency.Options) error {
	ctx := context.Background()
	store := memstore.New()
	engine := concurrency.NewEngine(store, opts)

	t1 := engine.Begin(0, opts)
	t1.SetTxnType(0)
	t1.SetTxnPieceIdx(1)
	if err := t1.DoPut(ctx, defaultCF, []byte("k"), []byte("v1")); err != nil {
		return err
	}

	t2 := engine.Begin(0, opts)
	t2.SetTxnType(0)
	t2.SetTxnPieceIdx(1)
	if err := t2.DoPut(ctx, defaultCF, []byte("k"), []byte("v2")); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- t2.Commit(ctx) }()

	if err := t1.Commit(ctx); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}

	v, _, found, err := store.Get(ctx, defaultCF, []byte("k"), store.GetLatestSequenceNumber())
	if err != nil {
		return err
	}
	fmt.Printf("final value of \"k\": found=%v value=%q\n", found, v)
	return nil
}
