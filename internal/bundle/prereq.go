package bundle

// Prereq is a named precondition a request must satisfy before it runs steps.
type Prereq int

const (
	PrereqCacheHintRequested Prereq = iota
	PrereqRequiresLatestClient
	PrereqHasNoPendingCancels
	PrereqHasNoPendingReleaseRequests
	PrereqHasNoPendingUpdateRequests
	PrereqDetermineSteps
)

// String returns the string representation of the prerequisite
func (p Prereq) String() string {
	switch p {
	case PrereqCacheHintRequested:
		return "CacheHintRequested"
	case PrereqRequiresLatestClient:
		return "RequiresLatestClient"
	case PrereqHasNoPendingCancels:
		return "HasNoPendingCancels"
	case PrereqHasNoPendingReleaseRequests:
		return "HasNoPendingReleaseRequests"
	case PrereqHasNoPendingUpdateRequests:
		return "HasNoPendingUpdateRequests"
	case PrereqDetermineSteps:
		return "DetermineSteps"
	default:
		return "Unknown"
	}
}

// AddPrereq appends p to list unless it is already present.
func AddPrereq(list []Prereq, p Prereq) []Prereq {
	for _, have := range list {
		if have == p {
			return list
		}
	}
	return append(list, p)
}
