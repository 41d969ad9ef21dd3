package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// SignalHandler runs a cleanup when the process is asked to stop and then
// hands the signal to an exit action.
type SignalHandler struct {
	coord  *Coordinator
	logger *zap.Logger
	exit   func(os.Signal)

	ch       chan os.Signal
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	handling sync.Mutex
}

// NewSignalHandler creates a handler for SIGINT and SIGTERM. A nil exit
// re-raises the signal with its default disposition.
func NewSignalHandler(coord *Coordinator, logger *zap.Logger, exit func(os.Signal)) *SignalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exit == nil {
		exit = Reraise
	}
	return &SignalHandler{
		coord:  coord,
		logger: logger,
		exit:   exit,
		ch:     make(chan os.Signal, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins watching for signals.
func (h *SignalHandler) Start() {
	signal.Notify(h.ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(h.done)
		select {
		case sig := <-h.ch:
			h.Handle(sig)
		case <-h.stop:
		}
	}()
}

// Stop stops watching. It does not interrupt a cleanup already running.
func (h *SignalHandler) Stop() {
	h.once.Do(func() {
		signal.Stop(h.ch)
		close(h.stop)
	})
}

// Handle runs the cleanup for sig, bounded by the grace period, and then
// calls the exit action.
func (h *SignalHandler) Handle(sig os.Signal) {
	h.handling.Lock()
	defer h.handling.Unlock()

	h.logger.Info("received signal, cleaning up", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), h.coord.GracePeriod())
	n := h.coord.runAll(ctx, TriggerSignal)
	cancel()

	h.logger.Info("signal cleanup done", zap.String("signal", sig.String()), zap.Int("destroyed", n))
	h.exit(sig)
}

// Reraise restores the default disposition for sig and sends it to the
// current process, so the exit status reflects the signal.
func Reraise(sig os.Signal) {
	signal.Reset(sig)
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		os.Exit(1)
	}
	if err := p.Signal(sig); err != nil {
		os.Exit(1)
	}
}
