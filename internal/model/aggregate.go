package model

import "errors"

// ErrNoUnits is returned when aggregating an empty unit set.
var ErrNoUnits = errors.New("task has no units")

// precedence ranks terminal statuses for aggregation; higher wins.
var precedence = func() map[Status]int {
	order := TerminalStatuses()
	ranks := make(map[Status]int, len(order))
	for i, s := range order {
		ranks[s] = len(order) - i
	}
	return ranks
}()

// Worse returns whichever of a and b ranks higher in the aggregation order.
// Non-terminal statuses rank below every terminal one.
func Worse(a, b Status) Status {
	if precedence[b] > precedence[a] {
		return b
	}
	return a
}

// Aggregate folds per-unit statuses into the task's terminal status.
// A unit still pending or running when aggregation happens counts as unknown:
// the engine never got to decide it.
func Aggregate(statuses []Status) (Status, error) {
	if len(statuses) == 0 {
		return "", ErrNoUnits
	}
	result := StatusSucceeded
	for _, s := range statuses {
		if !s.IsTerminal() {
			s = StatusUnknown
		}
		result = Worse(result, s)
	}
	return result, nil
}
