package redisstore

import (
	"fmt"
	"strconv"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// Hash fields of a snapshot. Servo values are flattened one field per servo,
// numbered from 1.
const (
	currentAnglesField = "currentAngles_%d"
	targetAnglesField  = "targetAngles_%d"
	currentSpeedsField = "currentSpeeds_%d"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func snapshotFields(s physicaltwin.OutputSnapshot) []any {
	moving := "0"
	if s.Moving {
		moving = "1"
	}
	fields := []any{
		"twinId", s.Twin.TwinID,
		"executionId", s.Twin.ExecutionID,
		"timestamp", s.Timestamp,
		"moving", moving,
	}
	for i := range physicaltwin.Servos {
		fields = append(fields,
			fmt.Sprintf(currentAnglesField, i+1), formatFloat(s.CurrentAngles[i]),
			fmt.Sprintf(targetAnglesField, i+1), formatFloat(s.TargetAngles[i]),
			fmt.Sprintf(currentSpeedsField, i+1), formatFloat(s.CurrentSpeeds[i]),
		)
	}
	return fields
}

func resultFields(r physicaltwin.CommandResult) []any {
	return []any{
		"twinId", r.Twin.TwinID,
		"executionId", r.Twin.ExecutionID,
		"timestamp", r.Timestamp,
		"commandId", r.CommandID,
		"commandName", r.CommandName,
		"commandArguments", r.CommandArguments,
		"commandTimestamp", r.CommandTimestamp,
		"return", r.Return,
	}
}

func hashInt(hash map[string]string, field string) (int64, error) {
	v, ok := hash[field]
	if !ok {
		return 0, fmt.Errorf("missing field %v", field)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %v: %w", field, err)
	}
	return n, nil
}

func hashString(hash map[string]string, field string) (string, error) {
	v, ok := hash[field]
	if !ok {
		return "", fmt.Errorf("missing field %v", field)
	}
	return v, nil
}

func hashServoVector(hash map[string]string, format string) (v physicaltwin.ServoVector, err error) {
	for i := range v {
		field := fmt.Sprintf(format, i+1)
		s, ok := hash[field]
		if !ok {
			return v, fmt.Errorf("missing field %v", field)
		}
		if v[i], err = strconv.ParseFloat(s, 64); err != nil {
			return v, fmt.Errorf("field %v: %w", field, err)
		}
	}
	return v, nil
}

func parseCommand(hash map[string]string) (cmd physicaltwin.Command, err error) {
	cmd.Twin = physicaltwin.Twin{TwinID: hash["twinId"], ExecutionID: hash["executionId"]}
	if cmd.ID, err = hashInt(hash, "commandId"); err != nil {
		return cmd, err
	}
	if cmd.Name, err = hashString(hash, "name"); err != nil {
		return cmd, err
	}
	if cmd.Arguments, err = hashString(hash, "arguments"); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func parseSnapshot(twin physicaltwin.Twin, hash map[string]string) (s physicaltwin.OutputSnapshot, err error) {
	s.Twin = twin
	if s.Timestamp, err = hashInt(hash, "timestamp"); err != nil {
		return s, err
	}
	if s.CurrentAngles, err = hashServoVector(hash, currentAnglesField); err != nil {
		return s, err
	}
	if s.TargetAngles, err = hashServoVector(hash, targetAnglesField); err != nil {
		return s, err
	}
	if s.CurrentSpeeds, err = hashServoVector(hash, currentSpeedsField); err != nil {
		return s, err
	}
	moving, err := hashString(hash, "moving")
	if err != nil {
		return s, err
	}
	s.Moving = moving == "1"
	return s, nil
}

func parseCommandResult(twin physicaltwin.Twin, hash map[string]string) (r physicaltwin.CommandResult, err error) {
	r.Twin = twin
	if r.CommandID, err = hashInt(hash, "commandId"); err != nil {
		return r, err
	}
	if r.CommandName, err = hashString(hash, "commandName"); err != nil {
		return r, err
	}
	if r.CommandArguments, err = hashString(hash, "commandArguments"); err != nil {
		return r, err
	}
	if r.CommandTimestamp, err = hashInt(hash, "commandTimestamp"); err != nil {
		return r, err
	}
	if r.Timestamp, err = hashInt(hash, "timestamp"); err != nil {
		return r, err
	}
	if r.Return, err = hashString(hash, "return"); err != nil {
		return r, err
	}
	return r, nil
}
