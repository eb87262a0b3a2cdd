package container

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/zklog"
)

// cleanupState tracks the in-flight container build so a SIGINT/SIGTERM
// handler can tear it down cleanly, mirroring original_source's
// CLEANUP_PATH/CLEANUP_MAPPER globals and cleanup_on_interrupt.
var cleanupState struct {
	mu     sync.Mutex
	path   string
	mapper string
	runner []string
	exec   executor.Executor
	log    *zklog.Logger
}

var installOnce sync.Once
var sigCh chan os.Signal

func installHandler() {
	installOnce.Do(func() {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cleanupOnInterrupt()
			os.Exit(130)
		}()
	})
}

func cleanupOnInterrupt() {
	cleanupState.mu.Lock()
	path, mapper, runner, exec, log := cleanupState.path, cleanupState.mapper, cleanupState.runner, cleanupState.exec, cleanupState.log
	cleanupState.mu.Unlock()

	if mapper != "" && exec != nil {
		ctx := context.Background()
		// Kill any child (mksquashfs) that might still hold the device
		// open before attempting to close the mapper.
		exec.Run(ctx, "pkill", "-P", strconv.Itoa(os.Getpid()))
		Close(ctx, exec, runner, log, mapper)
	}
	if path != "" {
		os.Remove(path)
	}
}

// Transaction guards the lifecycle of one container file: it registers
// the in-progress path (and, once opened, the mapper name) for
// interrupt cleanup, and on Finish(false) removes the incomplete
// container. Grounded on LuksTransaction/CreateTransaction.
type Transaction struct {
	exec    executor.Executor
	log     *zklog.Logger
	path    string
	runner  []string
	mapper  string
	success bool
}

// NewTransaction registers outputPath for interrupt cleanup.
func NewTransaction(exec executor.Executor, log *zklog.Logger, outputPath string, runner []string) *Transaction {
	installHandler()
	t := &Transaction{exec: exec, log: log, path: outputPath, runner: runner}

	cleanupState.mu.Lock()
	cleanupState.path = outputPath
	cleanupState.runner = runner
	cleanupState.exec = exec
	cleanupState.log = log
	cleanupState.mu.Unlock()

	return t
}

// SetMapper records the opened mapper name so interrupt cleanup (and
// Finish) close it before anything else.
func (t *Transaction) SetMapper(name string) {
	t.mapper = name
	cleanupState.mu.Lock()
	cleanupState.mapper = name
	cleanupState.mu.Unlock()
}

// Finish ends the transaction: ok=true marks it successful (the
// container file is kept); ok=false removes the incomplete container.
// Either way the mapper, if any, is closed here rather than left to the
// caller, and the interrupt-cleanup registration is cleared.
func (t *Transaction) Finish(ctx context.Context, ok bool) error {
	cleanupState.mu.Lock()
	cleanupState.path = ""
	cleanupState.mapper = ""
	cleanupState.runner = nil
	cleanupState.exec = nil
	cleanupState.log = nil
	cleanupState.mu.Unlock()

	t.success = ok

	var closeErr error
	if t.mapper != "" {
		closeErr = Close(ctx, t.exec, t.runner, t.log, t.mapper)
	}

	if !t.success {
		if _, err := os.Stat(t.path); err == nil {
			os.Remove(t.path)
		}
	}
	return closeErr
}
