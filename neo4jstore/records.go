package neo4jstore

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// A errPropertyNotFound occurs when a column is missing from a record.
//
// When encountering this error, it most likely occurs when changing a Cypher
// query without modifying the surrounding code properly. Expect a panic
// eventually.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a column of a record has a runtime
// type that is different from the expected type. The error message contains the
// effective type of the property at runtime.
//
// When encountering this error, it most likely occurs when changing a Cypher
// query without modifying dependent code properly. Expect a panic eventually.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	if e.Type == nil {
		return "unexpected property type: null"
	}
	return "unexpected property type: " + e.Type.String()
}

// The recordProperty interface defines generic constraints for supported values
// by getRecordProperty.
//
// This is a subset of all types supported by the neo4j package. When a new type
// is necessary, developers can simply add it to the list here.
type recordProperty interface {
	int64 | float64 | bool | string | []any
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}

// isQueryShapeError reports whether err signals a Cypher query that no longer
// matches the code reading its records.
func isQueryShapeError(err error) bool {
	return errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{})
}

// servoList converts a vector to the list stored as a node property.
func servoList(v physicaltwin.ServoVector) []float64 {
	return v[:]
}

func getServoVector(record *neo4j.Record, key string) (v physicaltwin.ServoVector, err error) {
	list, err := getRecordProperty[[]any](record, key)
	if err != nil {
		return v, err
	}
	if len(list) != physicaltwin.Servos {
		return v, fmt.Errorf("%v holds %d values, want %d", key, len(list), physicaltwin.Servos)
	}
	for i, x := range list {
		f, ok := x.(float64)
		if !ok {
			return v, fmt.Errorf("%v[%d]: %w", key, i, unexpectedPropertyTypeError{Type: reflect.TypeOf(x)})
		}
		v[i] = f
	}
	return v, nil
}

// parseQueuedCommand reads a pending command. Producers write these nodes, so a
// property of the wrong type is bad data in the queue, reported as
// physicaltwin.ErrMalformedCommand, rather than a query out of shape.
func parseQueuedCommand(twin physicaltwin.Twin, record *neo4j.Record) (c physicaltwin.Command, err error) {
	c.Twin = twin
	if c.ID, err = getRecordProperty[int64](record, "commandId"); err != nil {
		return c, malformedCommand(c, "commandId", err)
	}
	if c.Name, err = getRecordProperty[string](record, "name"); err != nil {
		return c, malformedCommand(c, "name", err)
	}
	if c.Arguments, err = getRecordProperty[string](record, "arguments"); err != nil {
		return c, malformedCommand(c, "arguments", err)
	}
	return c, nil
}

// malformedCommand formats err with %v so that it never reaches the query shape
// panic.
func malformedCommand(c physicaltwin.Command, key string, err error) error {
	return fmt.Errorf("%w: command %d of %v: %v: %v", physicaltwin.ErrMalformedCommand, c.ID, c.Twin, key, err)
}

func parseSnapshot(twin physicaltwin.Twin, record *neo4j.Record) (s physicaltwin.OutputSnapshot, err error) {
	s.Twin = twin
	if s.Timestamp, err = getRecordProperty[int64](record, "timestamp"); err != nil {
		return s, fmt.Errorf("get timestamp: %w", err)
	}
	if s.CurrentAngles, err = getServoVector(record, "currentAngles"); err != nil {
		return s, fmt.Errorf("get current angles: %w", err)
	}
	if s.TargetAngles, err = getServoVector(record, "targetAngles"); err != nil {
		return s, fmt.Errorf("get target angles: %w", err)
	}
	if s.CurrentSpeeds, err = getServoVector(record, "currentSpeeds"); err != nil {
		return s, fmt.Errorf("get current speeds: %w", err)
	}
	if s.Moving, err = getRecordProperty[bool](record, "moving"); err != nil {
		return s, fmt.Errorf("get moving: %w", err)
	}
	return s, nil
}

func parseCommandResult(twin physicaltwin.Twin, record *neo4j.Record) (r physicaltwin.CommandResult, err error) {
	r.Twin = twin
	if r.CommandID, err = getRecordProperty[int64](record, "commandId"); err != nil {
		return r, fmt.Errorf("get command id: %w", err)
	}
	if r.CommandName, err = getRecordProperty[string](record, "commandName"); err != nil {
		return r, fmt.Errorf("get command name: %w", err)
	}
	if r.CommandArguments, err = getRecordProperty[string](record, "commandArguments"); err != nil {
		return r, fmt.Errorf("get command arguments: %w", err)
	}
	if r.CommandTimestamp, err = getRecordProperty[int64](record, "commandTimestamp"); err != nil {
		return r, fmt.Errorf("get command timestamp: %w", err)
	}
	if r.Timestamp, err = getRecordProperty[int64](record, "timestamp"); err != nil {
		return r, fmt.Errorf("get timestamp: %w", err)
	}
	if r.Return, err = getRecordProperty[string](record, "return"); err != nil {
		return r, fmt.Errorf("get return: %w", err)
	}
	return r, nil
}
