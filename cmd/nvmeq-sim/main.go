// Command nvmeq-sim exercises a QueuePair against a simulated NVMe
// controller: it issues an Identify command and a handful of writes
// and reads staged through the queue pair's bounce pool, then prints the resulting
// queue statistics. It exists to give the driver an end-to-end smoke
// test without real hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-nvmeq"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/queues"
)

func main() {
	var (
		ios     = flag.Int("ios", 8, "number of write/read pairs to issue")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	regs := queues.NewSimRegisters()
	irq := queues.NewSimInterrupt()
	stats := nvmeq.NewQueueStats()

	qp, err := nvmeq.New(ctx, nvmeq.Config{
		QID:       1,
		Registers: regs,
		Interrupt: irq,
		Observer:  stats,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create queue pair", "error", err)
		os.Exit(1)
	}
	defer qp.Close()

	sim := nvmeq.NewSimControllerForQueuePair(qp, regs, irq)
	stopPump := startPumpLoop(ctx, sim)
	defer stopPump()

	logger.Info("issuing identify")
	callCtx, cancelCall := context.WithTimeout(ctx, 2*time.Second)
	if _, err := qp.Issuer().IssueNeither(callCtx, nvme.AdminCommand(nvme.AdminOpcodeIdentify)); err != nil {
		logger.Error("identify failed", "error", err)
	}
	cancelCall()

	for i := 0; i < *ios; i++ {
		payload := []byte(fmt.Sprintf("block-%04d", i))
		writeCmd := nvme.Command{Cdw0: nvme.Cdw0{Opcode: nvme.IOOpcodeWrite}, Cdw10: uint32(i)}

		callCtx, cancelCall := context.WithTimeout(ctx, 2*time.Second)
		if _, err := qp.Issuer().IssueIn(callCtx, writeCmd, payload); err != nil {
			logger.Error("write failed", "i", i, "error", err)
		}
		cancelCall()

		readCmd := nvme.Command{Cdw0: nvme.Cdw0{Opcode: nvme.IOOpcodeRead}, Cdw10: uint32(i)}
		out := make([]byte, len(payload))
		callCtx, cancelCall = context.WithTimeout(ctx, 2*time.Second)
		if _, err := qp.Issuer().IssueOut(callCtx, readCmd, out); err != nil {
			logger.Error("read failed", "i", i, "error", err)
		}
		cancelCall()
	}

	qp.Shutdown()

	snap := stats.Snapshot()
	fmt.Printf("issued=%d completed=%d interrupts=%d nvme_errors=%d avg_latency=%dns\n",
		snap.Issued, snap.Completed, snap.Interrupts, snap.NvmeErrors, snap.AvgLatencyNs)
}

func startPumpLoop(ctx context.Context, sim *nvmeq.SimController) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sim.PumpOnce()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
