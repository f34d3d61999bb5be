package sequencers

import (
	"sort"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

// Sequencer orders the workloads of one batch. It returns a new slice and leaves its input alone.
type Sequencer interface {
	Name() schedulerobjects.SequencerName
	Sequence(snapshot *schedulerobjects.SystemSnapshot, workloads []schedulerobjects.SessionWorkload) []schedulerobjects.SessionWorkload
}

// FIFOSequencer orders by priority, then oldest first.
type FIFOSequencer struct{}

func (FIFOSequencer) Name() schedulerobjects.SequencerName { return schedulerobjects.SequencerFIFO }

func (FIFOSequencer) Sequence(_ *schedulerobjects.SystemSnapshot, workloads []schedulerobjects.SessionWorkload) []schedulerobjects.SessionWorkload {
	return sorted(workloads, func(a, b schedulerobjects.SessionWorkload) int {
		return compareTime(a, b)
	})
}

// LIFOSequencer orders by priority, then newest first.
type LIFOSequencer struct{}

func (LIFOSequencer) Name() schedulerobjects.SequencerName { return schedulerobjects.SequencerLIFO }

func (LIFOSequencer) Sequence(_ *schedulerobjects.SystemSnapshot, workloads []schedulerobjects.SessionWorkload) []schedulerobjects.SessionWorkload {
	return sorted(workloads, func(a, b schedulerobjects.SessionWorkload) int {
		return -compareTime(a, b)
	})
}

// DRFSequencer implements dominant resource fairness: keypairs whose largest share of the total
// capacity is smallest go first.
type DRFSequencer struct{}

func (DRFSequencer) Name() schedulerobjects.SequencerName { return schedulerobjects.SequencerDRF }

func (DRFSequencer) Sequence(snapshot *schedulerobjects.SystemSnapshot, workloads []schedulerobjects.SessionWorkload) []schedulerobjects.SessionWorkload {
	total := snapshot.TotalCapacity()
	shares := map[string]float64{}
	for _, w := range workloads {
		if _, ok := shares[w.AccessKey]; ok {
			continue
		}
		dominant := 0.0
		occupied := snapshot.KeypairOccupancy(w.AccessKey)
		for name, capacity := range total {
			if capacity.IsZero() {
				continue
			}
			used := occupied.Get(name)
			if share := used.AsApproximateFloat64() / capacity.AsApproximateFloat64(); share > dominant {
				dominant = share
			}
		}
		shares[w.AccessKey] = dominant
	}
	return sorted(workloads, func(a, b schedulerobjects.SessionWorkload) int {
		if sa, sb := shares[a.AccessKey], shares[b.AccessKey]; sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
		return compareTime(a, b)
	})
}

// ForName resolves a scaling group's sequencer. Empty and unknown names resolve to FIFO.
func ForName(name schedulerobjects.SequencerName) Sequencer {
	switch name {
	case schedulerobjects.SequencerLIFO:
		return LIFOSequencer{}
	case schedulerobjects.SequencerDRF:
		return DRFSequencer{}
	default:
		return FIFOSequencer{}
	}
}

func compareTime(a, b schedulerobjects.SessionWorkload) int {
	switch {
	case a.CreatedAt.Before(b.CreatedAt):
		return -1
	case a.CreatedAt.After(b.CreatedAt):
		return 1
	default:
		return 0
	}
}

// sorted orders by descending priority first and then by cmp, with session id as the final key.
func sorted(workloads []schedulerobjects.SessionWorkload, cmp func(a, b schedulerobjects.SessionWorkload) int) []schedulerobjects.SessionWorkload {
	result := append([]schedulerobjects.SessionWorkload(nil), workloads...)
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if c := cmp(a, b); c != 0 {
			return c < 0
		}
		return a.SessionID < b.SessionID
	})
	return result
}
