package availability

import (
	"sort"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
)

// slotNamespace seeds the name-based slot ids.
var slotNamespace = uuid.MustParse("2f1c7f0e-8a39-4b8e-9d0c-5a6b3e1f4c21")

// SlotID is the stable id of the slot at t on date for doctorID.
func SlotID(doctorID uuid.UUID, date calendar.Date, t calendar.LocalTime) uuid.UUID {
	return uuid.NewSHA1(slotNamespace, []byte(doctorID.String()+"/"+date.String()+"/"+t.String()))
}

// GenerateSlots expands cfg into the slots of one date. Each configured window yields
// back-to-back slots of SlotDurationMinutes; a trailing remainder shorter than a slot is
// dropped. The result is sorted by time and every slot starts available.
//
// The output is a pure function of its inputs, ids included, so regenerating after a
// restart gives the same sequence. An empty result means no window is configured.
func GenerateSlots(doctorID uuid.UUID, cfg ClinicScheduleConfig, date calendar.Date) []Slot {
	step := cfg.SlotDurationMinutes
	if step <= 0 || step > MaxSlotMinutes {
		return nil
	}

	var slots []Slot
	for _, p := range cfg.periods() {
		end := p.end.Minutes()
		for m := p.start.Minutes(); m <= end-step; m += step {
			t := calendar.LocalTimeFromMinutes(m)
			slots = append(slots, Slot{
				ID:     SlotID(doctorID, date, t),
				Time:   t,
				Status: SlotAvailable,
			})
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Time.Before(slots[j].Time)
	})

	return slots
}
