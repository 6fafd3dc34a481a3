//go:build linux

// Package nfq binds an NFQUEUE and runs the verdict loop over the
// packets the firewall rules steer into it.
package nfq

import (
	"context"
	"sync/atomic"

	"github.com/florianl/go-nfqueue"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/mangle"
	"github.com/dilluti0n/dpibreak/sock"
)

// Worker owns one queue binding, the raw-socket sender used for
// replacements, and the processor producing verdicts. Packets are
// handled one at a time; replacement buffers are emitted inline before
// the next packet is read.
type Worker struct {
	cfg  *config.Config
	proc *mangle.Processor

	q      *nfqueue.Nfqueue
	sender *sock.Sender

	ctx    context.Context
	cancel context.CancelFunc

	processed       atomic.Uint64
	lastOverflowLog atomic.Int64
}

func NewWorker(cfg *config.Config, proc *mangle.Processor) *Worker {
	return &Worker{cfg: cfg, proc: proc}
}

// Processed reports how many packets have passed through the verdict
// callback since start.
func (w *Worker) Processed() uint64 { return w.processed.Load() }
