// Package metrics 用 expvar 暴露节点计数器，统一挂在 "nestfolio" 下。
package metrics

import "expvar"

var registry = expvar.NewMap("nestfolio")

var (
	CallsCommitted      = counter("calls_committed")
	CallsReverted       = counter("calls_reverted")
	OrdersExecuted      = counter("orders_executed")
	FailsafeWithdrawals = counter("failsafe_withdrawals")
	FeesForwarded       = counter("fees_forwarded")
	CheckpointSaves     = counter("checkpoint_saves")
	CheckpointLoads     = counter("checkpoint_loads")
	EventsPublished     = counter("events_published")
	StateSnapshots      = counter("state_snapshots")
)

func counter(name string) *expvar.Int {
	v := new(expvar.Int)
	registry.Set(name, v)
	return v
}

// Gauge 注册一个读取时计算的值；同名时覆盖
func Gauge(name string, fn func() any) {
	registry.Set(name, expvar.Func(fn))
}
