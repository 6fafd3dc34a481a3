//go:build windows

// Package windivert drives the WinDivert 2.x driver directly through
// its DLL. Outbound ClientHello segments and inbound SYN/ACKs from 443
// are pulled into user space; everything else never leaves the kernel.
package windivert

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/dilluti0n/dpibreak/config"
	"github.com/dilluti0n/dpibreak/log"
	"github.com/dilluti0n/dpibreak/mangle"
)

// Filter selects exactly the traffic the verdict loop wants: first TLS
// handshake segments going out, and handshake SYN/ACKs coming back for
// hop inference.
const Filter = "(outbound and tcp.DstPort == 443 and tcp.PayloadLength > 0" +
	" and tcp.Payload[0] == 22 and tcp.Payload[5] == 1)" +
	" or (inbound and tcp.SrcPort == 443 and tcp.Syn and tcp.Ack)"

const (
	layerNetwork = 0

	shutdownBoth = 3

	flagOutbound = 1 << 1
)

var (
	dll          = windows.NewLazySystemDLL("WinDivert.dll")
	procOpen     = dll.NewProc("WinDivertOpen")
	procRecv     = dll.NewProc("WinDivertRecv")
	procSend     = dll.NewProc("WinDivertSend")
	procShutdown = dll.NewProc("WinDivertShutdown")
	procClose    = dll.NewProc("WinDivertClose")
)

// address mirrors WINDIVERT_ADDRESS. Only the flag byte is
// interpreted; the rest travels opaquely between Recv and Send.
type address struct {
	Timestamp int64
	Layer     uint8
	Event     uint8
	Flags     uint8
	_         uint8
	_         uint32
	Union     [64]byte
}

func (a *address) outbound() bool { return a.Flags&flagOutbound != 0 }

// Worker owns the WinDivert handle and runs the verdict loop on a
// single goroutine; inbound and outbound packets arrive on the same
// handle so no locking is needed beyond the HopTab's own mutex.
type Worker struct {
	cfg  *config.Config
	proc *mangle.Processor

	handle windows.Handle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(cfg *config.Config, proc *mangle.Processor) *Worker {
	return &Worker{cfg: cfg, proc: proc}
}

func (w *Worker) Start(ctx context.Context) error {
	if err := dll.Load(); err != nil {
		return fmt.Errorf("WinDivert.dll not found (driver not installed?): %w", err)
	}

	filter, err := windows.BytePtrFromString(Filter)
	if err != nil {
		return err
	}
	h, _, callErr := procOpen.Call(
		uintptr(unsafe.Pointer(filter)),
		layerNetwork,
		0, // priority
		0, // flags
	)
	if windows.Handle(h) == windows.InvalidHandle {
		return fmt.Errorf("WinDivertOpen: %w", callErr)
	}
	w.handle = windows.Handle(h)

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	log.Infof("WinDivert handle open")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	buf := make([]byte, 0xffff)
	for ctx.Err() == nil {
		var addr address
		var recvLen uint32
		ok, _, err := procRecv.Call(
			uintptr(w.handle),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(len(buf)),
			uintptr(unsafe.Pointer(&recvLen)),
			uintptr(unsafe.Pointer(&addr)),
		)
		if ok == 0 {
			if ctx.Err() == nil {
				log.Debugf("WinDivertRecv: %v", err)
			}
			continue
		}
		raw := buf[:recvLen]

		if !addr.outbound() {
			// Feeds the hop table; the verdict is always accept.
			w.proc.Handle(raw)
			w.send(raw, &addr)
			continue
		}

		v := w.proc.Handle(raw)
		if v.Action != mangle.ActionReplace {
			w.send(raw, &addr)
			continue
		}
		delay := time.Duration(w.cfg.DelayMs) * time.Millisecond
		for i, rep := range v.Replacement {
			if i > 0 && delay > 0 {
				time.Sleep(delay)
			}
			w.send(rep, &addr)
		}
	}
}

func (w *Worker) send(packet []byte, addr *address) {
	var sendLen uint32
	ok, _, err := procSend.Call(
		uintptr(w.handle),
		uintptr(unsafe.Pointer(&packet[0])),
		uintptr(len(packet)),
		uintptr(unsafe.Pointer(&sendLen)),
		uintptr(unsafe.Pointer(addr)),
	)
	if ok == 0 {
		log.Warnf("WinDivertSend (%d bytes): %v", len(packet), err)
	}
}

// Stop shuts the handle down, which unblocks a pending Recv, then
// closes it once the loop drains.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.handle != 0 {
		_, _, _ = procShutdown.Call(uintptr(w.handle), shutdownBoth)
	}
	w.wg.Wait()
	if w.handle != 0 {
		_, _, _ = procClose.Call(uintptr(w.handle))
		w.handle = 0
	}
}
