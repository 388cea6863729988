// Package feed 从外部预测服务拉取价格预测，并把多个来源按权重
// 合并成单一的共识样本，供决策引擎消费。
package feed

import (
	"context"
	"time"
)

// Sample 是一次来自单个预测源的采样结果。
type Sample struct {
	Source     string
	Symbol     string
	Current    float64
	Predicted  float64
	Confidence float64
	Weight     float64
	FetchedAt  time.Time
}

// Source 是单个预测来源。实现必须可以被并发调用。
type Source interface {
	Name() string
	Weight() float64
	Fetch(ctx context.Context, symbol string) (Sample, error)
}
