package sequence

import (
	"context"
	"fmt"

	"clinicqueue/internal/models"
)

// NumberPad is the minimum number of digits in a queue number.
const NumberPad = 3

// Sequencer hands out the next number for a (service type, queue date) pair.
// Numbers start at 1 every day and are never handed out twice.
type Sequencer interface {
	Next(ctx context.Context, serviceType models.ServiceType, queueDate string) (int64, error)
}

func Format(serviceType models.ServiceType, n int64) string {
	return fmt.Sprintf("%s%0*d", serviceType.Prefix(), NumberPad, n)
}

func Key(serviceType models.ServiceType, queueDate string) string {
	return fmt.Sprintf("clinicqueue:seq:%s:%s", serviceType, queueDate)
}
