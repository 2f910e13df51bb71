package domain

import (
	"time"

	"github.com/google/uuid"
)

// ManualTrigger requests one out-of-band execution of a schedule.
// It never touches NextRunAt: a manual run is additive, not a reschedule.
type ManualTrigger struct {
	ScheduleID  uuid.UUID
	ExecutionID uuid.UUID
	RequestedAt time.Time
}
