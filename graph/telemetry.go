//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("trpc.group/trpc-go/trpc-graph-go/graph")

var (
	stepCounter      metric.Int64Counter
	taskCounter      metric.Int64Counter
	taskDuration     metric.Float64Histogram
	interruptCounter metric.Int64Counter
)

func init() {
	var err error
	stepCounter, err = meter.Int64Counter("graph.steps",
		metric.WithDescription("Supersteps executed"))
	if err != nil {
		stepCounter = nil
	}
	taskCounter, err = meter.Int64Counter("graph.tasks",
		metric.WithDescription("Tasks dispatched"))
	if err != nil {
		taskCounter = nil
	}
	taskDuration, err = meter.Float64Histogram("graph.task.duration",
		metric.WithDescription("Task wall time"),
		metric.WithUnit("s"))
	if err != nil {
		taskDuration = nil
	}
	interruptCounter, err = meter.Int64Counter("graph.interrupts",
		metric.WithDescription("Graph interrupts raised"))
	if err != nil {
		interruptCounter = nil
	}
}

func recordStep(ctx context.Context, taskCount int) {
	if stepCounter != nil {
		stepCounter.Add(ctx, 1)
	}
	if taskCounter != nil {
		taskCounter.Add(ctx, int64(taskCount))
	}
}

func recordTask(ctx context.Context, node string, start time.Time) {
	if taskDuration == nil {
		return
	}
	taskDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("graph.node", node)))
}

func recordInterrupt(ctx context.Context, when string) {
	if interruptCounter != nil {
		interruptCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("graph.interrupt.when", when)))
	}
}
