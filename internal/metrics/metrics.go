// Package metrics defines the Prometheus collectors shared across the
// fleet controller. All collectors register on the default registry and
// are served by promhttp on the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aiori"

var (
	// BusDroppedMessages counts deliveries dropped because the bus
	// dispatch pool was saturated.
	BusDroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "dropped_messages_total",
		Help:      "Messages dropped due to a full dispatch queue.",
	}, []string{"subject"})

	// BusHandlerErrors counts errors returned by subscription handlers.
	BusHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "handler_errors_total",
		Help:      "Errors returned by bus message handlers.",
	}, []string{"subject"})

	// HeartbeatsIngested counts heartbeat documents accepted by the
	// agent registry.
	HeartbeatsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "heartbeats_ingested_total",
		Help:      "Heartbeat documents ingested.",
	})

	// AgentsAlive tracks the current number of alive agents.
	AgentsAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "agents_alive",
		Help:      "Agents currently considered alive.",
	})

	// WorkflowTransitions counts workflow state transitions by target state.
	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Workflow state transitions applied.",
	}, []string{"state"})

	// ExecQueueDepth tracks the pending depth of the async execution queue.
	ExecQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "exec_queue_depth",
		Help:      "Queued async module executions.",
	})

	// OLAPRowsWritten counts rows handed to ClickHouse by table.
	OLAPRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "olap",
		Name:      "rows_written_total",
		Help:      "Telemetry rows written to ClickHouse.",
	}, []string{"table"})

	// OLAPRowsDropped counts rows lost to a full insert buffer or a
	// failed insert.
	OLAPRowsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "olap",
		Name:      "rows_dropped_total",
		Help:      "Telemetry rows dropped before reaching ClickHouse.",
	}, []string{"table"})
)
