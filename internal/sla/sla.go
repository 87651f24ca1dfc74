// Package sla computes elapsed-time verdicts for workflow stages. It is pure:
// no state, no I/O, deterministic given its inputs. The escalation scan leans
// on that purity to stay safely re-runnable.
package sla

import "time"

type Verdict struct {
	ElapsedHours float64
	Breached     bool
}

// Evaluate reports how long a stage has been open and whether that exceeds
// the given threshold. Elapsed time exactly equal to the threshold is not a
// breach.
func Evaluate(enteredAt time.Time, thresholdHours float64, now time.Time) Verdict {
	elapsed := now.Sub(enteredAt).Hours()
	return Verdict{
		ElapsedHours: elapsed,
		Breached:     elapsed > thresholdHours,
	}
}

// Deadline returns the instant a stage entered at enteredAt overruns its SLA.
func Deadline(enteredAt time.Time, slaHours float64) time.Time {
	return enteredAt.Add(time.Duration(slaHours * float64(time.Hour)))
}
