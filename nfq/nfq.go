//go:build linux

package nfq

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/florianl/go-nfqueue"

	"github.com/dilluti0n/dpibreak/log"
	"github.com/dilluti0n/dpibreak/mangle"
	"github.com/dilluti0n/dpibreak/sock"
)

// Start opens the raw-socket sender, binds the queue and registers
// the verdict callback. It returns once the binding is in place; the
// callback then runs on the netlink receive goroutine until ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	sender, err := sock.NewSender()
	if err != nil {
		return err
	}
	w.sender = sender

	q, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      w.cfg.QueueNum,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  4096,
		Copymode:     nfqueue.NfQnlCopyPacket,
	})
	if err != nil {
		sender.Close()
		return err
	}
	w.q = q

	log.Infof("bound NFQUEUE %d (pid %d)", w.cfg.QueueNum, os.Getpid())
	return q.RegisterWithErrorFunc(w.ctx, w.verdict, w.recvError)
}

func (w *Worker) verdict(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID

	// A panic here must not take the receive goroutine down with the
	// rules still installed; the packet passes through instead.
	defer func() {
		if r := recover(); r != nil {
			_ = log.Errorf("verdict panic on packet %d: %v", id, r)
			w.accept(id)
		}
	}()

	// Our own re-injected packets carry the inject mark and must not
	// be mangled a second time.
	if a.Mark != nil && *a.Mark == uint32(sock.InjectMark) {
		w.accept(id)
		return 0
	}
	if a.Payload == nil || len(*a.Payload) == 0 {
		w.accept(id)
		return 0
	}

	select {
	case <-w.ctx.Done():
		w.accept(id)
		return 0
	default:
	}

	w.processed.Add(1)

	v := w.proc.Handle(*a.Payload)
	if v.Action != mangle.ActionReplace {
		w.accept(id)
		return 0
	}

	if err := w.q.SetVerdict(id, nfqueue.NfDrop); err != nil {
		log.Warnf("drop verdict on packet %d: %v", id, err)
		return 0
	}
	w.emit(v.Replacement)
	return 0
}

func (w *Worker) accept(id uint32) {
	if err := w.q.SetVerdict(id, nfqueue.NfAccept); err != nil {
		log.Debugf("accept verdict on packet %d: %v", id, err)
	}
}

// emit sends the replacement buffers in order, pausing delay-ms
// between consecutive sends. A failed send loses that buffer only; the
// client retries the handshake if the flow is broken.
func (w *Worker) emit(bufs [][]byte) {
	delay := time.Duration(w.cfg.DelayMs) * time.Millisecond
	for i, buf := range bufs {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		if err := w.sender.Send(buf); err != nil {
			log.Warnf("send replacement %d/%d: %v", i+1, len(bufs), err)
		}
	}
}

func (w *Worker) recvError(e error) int {
	if w.ctx.Err() != nil {
		return 0
	}
	if errors.Is(e, syscall.ENOBUFS) {
		now := time.Now().Unix()
		last := w.lastOverflowLog.Load()
		if now-last >= 5 && w.lastOverflowLog.CompareAndSwap(last, now) {
			log.Warnf("queue %d overflow, packets passed unseen", w.cfg.QueueNum)
		}
		return 0
	}
	if errors.Is(e, os.ErrClosed) || errors.Is(e, net.ErrClosed) || errors.Is(e, syscall.EBADF) {
		return 0
	}
	if ne, ok := e.(net.Error); ok && ne.Timeout() {
		return 0
	}
	if strings.Contains(e.Error(), "use of closed file") {
		return 0
	}
	log.Errorf("nfqueue receive: %v", e)
	return 0
}

// Stop cancels the callback context and closes the queue and sender.
// Closing the queue unblocks the netlink read so shutdown never hangs
// on a quiet wire.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.q != nil {
		_ = w.q.Close()
	}
	if w.sender != nil {
		w.sender.Close()
	}
}
