package mining

import (
	"context"
	"fmt"
	"math/rand"

	log "github.com/sirupsen/logrus"
)

const (
	placeholderMaxLoss   = 0.05
	placeholderMaxJitter = 50.0
)

// RecordSessionCompletion stores the transfer metrics and completes the
// session. Missing loss or jitter are filled with placeholder values
// drawn uniformly from [0, 0.05] and [0, 50] ms.
func (s *Service) RecordSessionCompletion(ctx context.Context, report CompletionReport) (Metrics, error) {
	if report.OrderID == "" {
		return Metrics{}, fmt.Errorf("%w: order id required", ErrInvalidRequest)
	}

	metrics := Metrics{BytesRx: report.BytesRx, BytesTx: report.BytesTx}
	synthesized := false
	if report.Loss != nil {
		metrics.Loss = *report.Loss
	} else {
		metrics.Loss = rand.Float64() * placeholderMaxLoss
		synthesized = true
	}
	if report.Jitter != nil {
		metrics.Jitter = *report.Jitter
	} else {
		metrics.Jitter = rand.Float64() * placeholderMaxJitter
		synthesized = true
	}

	if !validMetrics(metrics.BytesRx, metrics.BytesTx, metrics.Loss, metrics.Jitter) {
		return Metrics{}, ErrInvalidMetrics
	}

	if err := s.store.CompleteSession(ctx, report.OrderID, metrics, s.clock.Now().UnixMilli()); err != nil {
		return Metrics{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id":    report.OrderID,
		"bytes_rx":    metrics.BytesRx,
		"bytes_tx":    metrics.BytesTx,
		"duration_ms": report.SessionDurationMs,
		"synthesized": synthesized,
	}).Info("session completed")

	return metrics, nil
}
