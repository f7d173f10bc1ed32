package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "od_ws_messages_total", Help: "WS上行动作数"},
		[]string{"action"},
	)
	SendTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "od_send_total", Help: "消息发送落库数"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "od_send_latency_ms", Help: "消息落库延迟(毫秒)", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "od_reconcile_total", Help: "乐观占位对账结果"},
		[]string{"outcome"},
	)
	UnreadResetTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "od_unread_reset_total", Help: "未读清零次数"},
	)
)

func Init() {
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(SendTotal)
	prometheus.MustRegister(SendLatency)
	prometheus.MustRegister(ReconcileTotal)
	prometheus.MustRegister(UnreadResetTotal)
}
