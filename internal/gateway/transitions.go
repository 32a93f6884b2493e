package gateway

import "github.com/pgstay/backend/internal/models"

// allowed is the complete transition table; anything absent is illegal.
var allowed = map[models.GatewayStatus][]models.GatewayStatus{
	models.GatewayInitiated: {
		models.GatewayPending, models.GatewayProcessing,
		models.GatewayFailed, models.GatewayCancelled, models.GatewayTimeout,
	},
	models.GatewayPending: {
		models.GatewayProcessing, models.GatewaySuccess,
		models.GatewayFailed, models.GatewayCancelled, models.GatewayTimeout,
	},
	models.GatewayProcessing: {
		models.GatewaySuccess, models.GatewayFailed, models.GatewayCancelled, models.GatewayTimeout,
	},
	models.GatewaySuccess:         {models.GatewayRefundInitiated},
	models.GatewayRefundInitiated: {models.GatewayRefundPending, models.GatewayRefunded, models.GatewayRefundFailed},
	models.GatewayRefundPending:   {models.GatewayRefunded, models.GatewayRefundFailed},
}

// CanTransition reports whether from -> to is a legal status change. Same-state calls are
// handled by the tracker as idempotent no-ops and are not part of the table.
func CanTransition(from, to models.GatewayStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Path returns the shortest chain of legal transitions leading from one status to another,
// excluding from and ending with to. It is nil when to cannot be reached, which for a
// transaction that has moved on means the target lies behind it.
func Path(from, to models.GatewayStatus) []models.GatewayStatus {
	if from == to {
		return nil
	}
	prev := map[models.GatewayStatus]models.GatewayStatus{}
	queue := []models.GatewayStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range allowed[cur] {
			if _, seen := prev[next]; seen || next == from {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []models.GatewayStatus
				for s := to; s != from; s = prev[s] {
					path = append([]models.GatewayStatus{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}
