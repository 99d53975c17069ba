package physicaltwin

import (
	"fmt"
	"strconv"
	"strings"
)

// A Twin identifies one run (execution) of one twin system. Exactly one Twin
// per execution is bound to a live device: the physical twin.
type Twin struct {
	TwinID      string
	ExecutionID string
}

func (t Twin) String() string {
	return t.TwinID + ":" + t.ExecutionID
}

// A Command is an instruction queued for a twin by an external producer.
//
// The ID is allocated from the execution's command counter, so it also orders
// the queue: lower IDs were enqueued earlier and are dispatched first.
type Command struct {
	ID        int64
	Twin      Twin
	Name      string
	Arguments string
	// WhenProcessed is the logical timestamp at which the command was handed to
	// the device. It is zero while the command is pending.
	WhenProcessed int64
}

func (c Command) String() string {
	return fmt.Sprintf("Command:%v:%d(%q)", c.Twin, c.ID, strings.TrimSpace(c.Name+" "+c.Arguments))
}

// Servos is the number of joints reported by the arm in every snapshot: base,
// shoulder, elbow, wrist, wrist rotation and gripper.
const Servos = 6

// A ServoVector holds one value per joint.
type ServoVector [Servos]float64

func (v ServoVector) String() string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// An OutputSnapshot is a periodic report of the arm's full joint state.
type OutputSnapshot struct {
	Twin          Twin
	Timestamp     int64
	CurrentAngles ServoVector
	TargetAngles  ServoVector
	CurrentSpeeds ServoVector
	// Moving is derived from CurrentSpeeds: it is true iff at least one joint
	// has a strictly positive speed.
	Moving bool
}

func (s OutputSnapshot) String() string {
	return fmt.Sprintf("OutputSnapshot:%v:%d(%v, %v, %v)", s.Twin, s.Timestamp, s.CurrentAngles, s.TargetAngles, s.CurrentSpeeds)
}

// isMoving reports whether any of the given speeds is strictly positive.
func isMoving(speeds ServoVector) bool {
	for _, s := range speeds {
		if s > 0 {
			return true
		}
	}
	return false
}

// A CommandResult is the device's answer to a dispatched Command.
type CommandResult struct {
	Twin             Twin
	CommandID        int64
	CommandName      string
	CommandArguments string
	// CommandTimestamp is the logical time the command was dispatched at.
	CommandTimestamp int64
	// Timestamp is the logical time the result was received at.
	Timestamp int64
	// Return is the opaque payload of the device's "RET" line.
	Return string
}

func (r CommandResult) String() string {
	return fmt.Sprintf("CommandResult:%v:%d(%q)", r.Twin, r.CommandID, r.Return)
}

// newCommandResult builds the record answering the given in-flight command.
func newCommandResult(cmd Command, payload string, now int64) CommandResult {
	return CommandResult{
		Twin:             cmd.Twin,
		CommandID:        cmd.ID,
		CommandName:      cmd.Name,
		CommandArguments: cmd.Arguments,
		CommandTimestamp: cmd.WhenProcessed,
		Timestamp:        now,
		Return:           payload,
	}
}
