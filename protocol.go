package physicaltwin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// A Channel is a line-oriented duplex connection to the device. Lines exclude
// their terminator.
//
// ReadLine and WriteLine may be called concurrently with each other, but
// neither may be called concurrently with itself.
type Channel interface {
	// ReadLine blocks until a complete line arrives, the bounded wait of the
	// channel expires (ErrReadTimeout), or the device disconnects (io.EOF).
	ReadLine(ctx context.Context) (string, error)
	// WriteLine sends a single line to the device.
	WriteLine(ctx context.Context, line string) error
	// Flush discards any output the device buffered before the call.
	Flush(ctx context.Context) error
}

// ErrReadTimeout is returned by Channel.ReadLine when no complete line arrived
// within the channel's bounded wait. It is not a failure: the device may simply
// be quiet.
var ErrReadTimeout = errors.New("device read timed out")

var (
	// ErrMalformedSnapshot is wrapped by errors describing an "OUT" line that
	// does not follow the snapshot format.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrMalformedCommand is wrapped by errors describing a queued command that
	// cannot be written to the device as a single line.
	ErrMalformedCommand = errors.New("malformed command")
)

// Line prefixes of the device protocol.
const (
	commandPrefix  = "COM "
	snapshotPrefix = "OUT "
	resultPrefix   = "RET "
)

// FormatCommand returns the line dispatching the command to the device:
//
//	COM <name> <space-separated arguments>
func FormatCommand(c Command) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", fmt.Errorf("%w: command %d: invalid name %q", ErrMalformedCommand, c.ID, c.Name)
	}
	if strings.ContainsAny(c.Name+c.Arguments, "\r\n") {
		return "", fmt.Errorf("%w: command %d: line break in %q", ErrMalformedCommand, c.ID, c.Name+" "+c.Arguments)
	}
	args := strings.Join(strings.Fields(c.Arguments), " ")
	if args == "" {
		return commandPrefix + name, nil
	}
	return commandPrefix + name + " " + args, nil
}

// A LineKind tells what a device line reports.
type LineKind int

const (
	UnknownLine LineKind = iota
	SnapshotLine
	ResultLine
)

func (k LineKind) String() string {
	switch k {
	case SnapshotLine:
		return "snapshot"
	case ResultLine:
		return "result"
	default:
		return "unknown"
	}
}

// The classification table of device lines. Prefixes are tried in order and
// the first match wins; add new message kinds here.
var lineKinds = []struct {
	prefix string
	kind   LineKind
}{
	{prefix: snapshotPrefix, kind: SnapshotLine},
	{prefix: resultPrefix, kind: ResultLine},
}

// ClassifyLine returns the kind of the given device line and its payload (the
// line without its prefix). Lines matching no prefix are UnknownLine and their
// payload is the entire line.
func ClassifyLine(line string) (LineKind, string) {
	for _, k := range lineKinds {
		if payload, ok := strings.CutPrefix(line, k.prefix); ok {
			return k.kind, payload
		}
	}
	return UnknownLine, line
}

// ParseSnapshot parses the payload of an "OUT" line:
//
//	<timestamp>:<c1,...,c6>:<t1,...,t6>:<s1,...,s6>
//
// holding the current angles, the target angles and the current speeds of the
// six joints. The returned snapshot belongs to the given twin.
func ParseSnapshot(twin Twin, payload string) (OutputSnapshot, error) {
	fields := strings.Split(strings.TrimSpace(payload), ":")
	if len(fields) != 4 {
		return OutputSnapshot{}, fmt.Errorf("%w: %d fields, want 4", ErrMalformedSnapshot, len(fields))
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return OutputSnapshot{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedSnapshot, err)
	}

	s := OutputSnapshot{Twin: twin, Timestamp: ts}
	vectors := []struct {
		name string
		dst  *ServoVector
	}{
		{"current angles", &s.CurrentAngles},
		{"target angles", &s.TargetAngles},
		{"current speeds", &s.CurrentSpeeds},
	}
	for i, v := range vectors {
		if err := parseServoVector(fields[i+1], v.dst); err != nil {
			return OutputSnapshot{}, fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, v.name, err)
		}
	}
	s.Moving = isMoving(s.CurrentSpeeds)
	return s, nil
}

func parseServoVector(field string, dst *ServoVector) error {
	values := strings.Split(field, ",")
	if len(values) != Servos {
		return fmt.Errorf("%d values, want %d", len(values), Servos)
	}
	for i, v := range values {
		x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("joint %d: %w", i+1, err)
		}
		dst[i] = x
	}
	return nil
}
