package port

import "tally.com/internal/domain/entity"

// TransferObserver receives transfer telemetry from the coordinator.
type TransferObserver interface {
	ObserveTransfer(outcome entity.Outcome, attempts int)
	ObserveRetry(attempt int)
}
