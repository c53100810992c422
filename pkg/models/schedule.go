package models

import "time"

// ScheduleFrequency determines how often a scheduled workflow is admitted.
type ScheduleFrequency string

const (
	FrequencyOnce    ScheduleFrequency = "ONCE"
	FrequencyDaily   ScheduleFrequency = "DAILY"
	FrequencyWeekly  ScheduleFrequency = "WEEKLY"
	FrequencyMonthly ScheduleFrequency = "MONTHLY"
)

// ScheduledWorkflow is a user-defined instruction to admit the stored
// workflow of a dataset at a point in time, optionally recurring. One entry
// exists per dataset. ONCE entries are removed after materialisation.
type ScheduledWorkflow struct {
	ID          string            `json:"id"           bson:"_id,omitempty"`
	DatasetID   string            `json:"dataset_id"   bson:"datasetId"   validate:"required"`
	PointerTime time.Time         `json:"pointer_time" bson:"pointerTime" validate:"required"`
	Frequency   ScheduleFrequency `json:"frequency"    bson:"frequency"   validate:"required,oneof=ONCE DAILY WEEKLY MONTHLY"`
	Priority    int               `json:"priority"     bson:"priority"    validate:"min=0,max=10"`
}

// OccurrenceIn projects the schedule's pointer time onto the window
// (from, to] by its frequency and reports whether an occurrence falls inside.
func (s *ScheduledWorkflow) OccurrenceIn(from, to time.Time) (time.Time, bool) {
	if s.Frequency == FrequencyOnce {
		if s.PointerTime.After(from) && !s.PointerTime.After(to) {
			return s.PointerTime, true
		}

		return time.Time{}, false
	}

	occurrence := s.nextOccurrenceAfter(from)
	if occurrence.IsZero() || occurrence.After(to) {
		return time.Time{}, false
	}

	return occurrence, true
}

// nextOccurrenceAfter returns the first projected occurrence strictly after
// the given instant. Monthly schedules anchored on a day a month does not
// have skip that month.
func (s *ScheduledWorkflow) nextOccurrenceAfter(after time.Time) time.Time {
	pointer := s.PointerTime.In(after.Location())
	hour, minute, sec := pointer.Clock()

	candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, sec, 0, after.Location())

	switch s.Frequency {
	case FrequencyDaily:
		if !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}

		return candidate
	case FrequencyWeekly:
		for range 8 {
			if candidate.After(after) && candidate.Weekday() == pointer.Weekday() {
				return candidate
			}

			candidate = candidate.AddDate(0, 0, 1)
		}
	case FrequencyMonthly:
		for i := range 48 {
			candidate = time.Date(after.Year(), after.Month()+time.Month(i), pointer.Day(),
				hour, minute, sec, 0, after.Location())
			if candidate.After(after) && candidate.Day() == pointer.Day() {
				return candidate
			}
		}
	case FrequencyOnce:
		if s.PointerTime.After(after) {
			return s.PointerTime
		}
	}

	return time.Time{}
}
