package bundle

import "fmt"

// Status is the install status of a bundle.
type Status int

const (
	StatusNotInstalled Status = iota
	StatusNeedsUpdate
	StatusNeedsMount
	StatusMounted
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusNotInstalled:
		return "not_installed"
	case StatusNeedsUpdate:
		return "needs_update"
	case StatusNeedsMount:
		return "needs_mount"
	case StatusMounted:
		return "mounted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// NeedsInstall reports whether content must be fetched before mounting.
func (s Status) NeedsInstall() bool {
	return s == StatusNotInstalled || s == StatusNeedsUpdate
}

var transitions = map[Status][]Status{
	StatusNotInstalled: {StatusNeedsUpdate, StatusNeedsMount},
	StatusNeedsUpdate:  {StatusNeedsMount, StatusNotInstalled},
	StatusNeedsMount:   {StatusMounted, StatusNeedsUpdate, StatusNotInstalled},
	StatusMounted:      {StatusNeedsMount},
}

// CanTransition reports whether from -> to is a legal status change.
// Staying in the same state is always legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
