package metrics

import (
	"strconv"

	"github.com/cortexuvula/gatewaybridge/internal/httpconn"
)

// AccessLog wraps an access logger with Prometheus recording, so every
// completed request or WebSocket action updates both the access log and
// the corresponding counter without either package depending on the
// other. Implements both httpconn.AccessLogger and wsconn.AccessLogger.
type AccessLog struct {
	Inner interface {
		LogHTTPComplete(httpconn.AccessRecord)
		LogWebSocketAction(action, connID, path, client string)
	}
	Metrics *Metrics
}

// LogHTTPComplete records the request's status class before delegating
// to the wrapped logger.
func (a *AccessLog) LogHTTPComplete(rec httpconn.AccessRecord) {
	a.Metrics.RequestsTotal.WithLabelValues(statusClass(rec.Status)).Inc()
	a.Inner.LogHTTPComplete(rec)
}

// LogWebSocketAction records a connection or rejection before delegating
// to the wrapped logger.
func (a *AccessLog) LogWebSocketAction(action, connID, path, client string) {
	switch action {
	case "connected":
		a.Metrics.ConnectionsTotal.WithLabelValues("websocket").Inc()
	case "rejected":
		a.Metrics.ErrorsTotal.WithLabelValues("websocket_rejected").Inc()
	}
	a.Inner.LogWebSocketAction(action, connID, path, client)
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
