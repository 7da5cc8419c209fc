package batchrunner

import "strings"

// findStop reports the first stop string contained in sequence.
func findStop(sequence string, stops []string) (bool, string) {
	for _, stop := range stops {
		if stop != "" && strings.Contains(sequence, stop) {
			return true, stop
		}
	}

	return false, ""
}

// containsStopSuffix reports whether sequence ends with a prefix of a stop
// string, in which case the tail may still turn into a stop.
func containsStopSuffix(sequence string, stops []string) bool {
	for _, stop := range stops {
		for i := 1; i <= len(stop); i++ {
			if strings.HasSuffix(sequence, stop[:i]) {
				return true
			}
		}
	}

	return false
}
