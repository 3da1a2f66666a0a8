package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/metrics"
)

// dispatchPool decouples subscription callbacks from the connection
// reader goroutine. Deliveries are handed to a fixed set of workers
// through a bounded queue; when the queue is full the delivery is
// dropped rather than blocking the reader.
type dispatchPool struct {
	tasks  chan dispatchTask
	wg     sync.WaitGroup
	logger *logger.Logger

	closeOnce sync.Once
}

type dispatchTask struct {
	handler Handler
	msg     *Message
}

func newDispatchPool(workers, queueSize int, log *logger.Logger) *dispatchPool {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &dispatchPool{
		tasks:  make(chan dispatchTask, queueSize),
		logger: log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *dispatchPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *dispatchPool) run(task dispatchTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Message handler panicked",
				zap.String("subject", task.msg.Subject),
				zap.Any("panic", r),
			)
			metrics.BusHandlerErrors.WithLabelValues(task.msg.Subject).Inc()
		}
	}()

	if err := task.handler(context.Background(), task.msg); err != nil {
		p.logger.Error("Message handler failed",
			zap.String("subject", task.msg.Subject),
			zap.Error(err),
		)
		metrics.BusHandlerErrors.WithLabelValues(task.msg.Subject).Inc()
	}
}

// submit enqueues a delivery. Returns false when the queue is full;
// the caller decides how to report the drop.
func (p *dispatchPool) submit(handler Handler, msg *Message) bool {
	select {
	case p.tasks <- dispatchTask{handler: handler, msg: msg}:
		return true
	default:
		return false
	}
}

// close stops accepting work and waits for in-flight handlers.
func (p *dispatchPool) close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
