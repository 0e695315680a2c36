package protocol

import "fmt"

// SendID indexes a record in a task's send table
type SendID int32

// Status is the state of a send record
type Status int

const (
	StatusFree Status = iota
	StatusWaitingIntermediate
	StatusIntermediateTimeout
	StatusWaitingFinal
	StatusFinalTimeout
	StatusFinalOK
)

var statusNames = map[Status]string{
	StatusFree:                "FREE",
	StatusWaitingIntermediate: "WAITING_INTERMEDIATE",
	StatusIntermediateTimeout: "INTERMEDIATE_TIMEOUT",
	StatusWaitingFinal:        "WAITING_FINAL",
	StatusFinalTimeout:        "FINAL_TIMEOUT",
	StatusFinalOK:             "FINAL_OK",
}

// String returns the string representation of the status
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Waiting reports whether a reply is still expected
func (s Status) Waiting() bool {
	return s == StatusWaitingIntermediate || s == StatusWaitingFinal
}

// Terminal reports whether the exchange has ended
func (s Status) Terminal() bool {
	return s == StatusIntermediateTimeout || s == StatusFinalTimeout || s == StatusFinalOK
}

// BlockMode selects how long Send waits before returning
type BlockMode int

const (
	BlockNone BlockMode = iota
	BlockIntermediate
	BlockFinal
)

// String returns the string representation of the block mode
func (m BlockMode) String() string {
	switch m {
	case BlockNone:
		return "none"
	case BlockIntermediate:
		return "intermediate"
	case BlockFinal:
		return "final"
	default:
		return fmt.Sprintf("BlockMode(%d)", int(m))
	}
}

// Stage names the reply a wait is for
type Stage int

const (
	StageIntermediate Stage = iota
	StageFinal
)

// String returns the string representation of the stage
func (s Stage) String() string {
	if s == StageIntermediate {
		return "intermediate"
	}
	return "final"
}

// resolved reports whether st ends a wait for stage
func (s Status) resolved(stage Stage) bool {
	if stage == StageIntermediate {
		return s != StatusWaitingIntermediate
	}
	return s.Terminal()
}
