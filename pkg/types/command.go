package types

import (
	"strings"
	"time"
)

// CommandType is an operator command understood by the command processor.
type CommandType string

const (
	CommandChargeNow        CommandType = "charge_now"
	CommandStopCharging     CommandType = "stop_charging"
	CommandIsolateFromGrid  CommandType = "isolate_from_grid"
	CommandRejoinGrid       CommandType = "rejoin_grid"
	CommandReboot           CommandType = "reboot"
	CommandFirmwareUpdate   CommandType = "firmware_update"
	CommandSetBackupReserve CommandType = "set_backup_reserve"
	CommandSetOperationMode CommandType = "set_operation_mode"
)

// ParseCommandType accepts either the wire value or the constant-style name.
func ParseCommandType(s string) (CommandType, bool) {
	c := CommandType(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CommandChargeNow, CommandStopCharging, CommandIsolateFromGrid, CommandRejoinGrid,
		CommandReboot, CommandFirmwareUpdate, CommandSetBackupReserve, CommandSetOperationMode:
		return c, true
	}
	return "", false
}

// Command is a request to change the state of a device.
type Command struct {
	Type       CommandType    `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CommandStatus tracks a command through execution.
type CommandStatus string

const (
	CommandStatusExecuting  CommandStatus = "executing"
	CommandStatusInProgress CommandStatus = "in_progress"
	CommandStatusCompleted  CommandStatus = "completed"
	CommandStatusCanceled   CommandStatus = "canceled"
)

// CommandResult is reported for every status transition of a command.
type CommandResult struct {
	ID        string        `json:"commandID"`
	DeviceID  string        `json:"deviceID"`
	Command   CommandType   `json:"command"`
	Status    CommandStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// CommandRecord is the archived form of a command and its latest result.
type CommandRecord struct {
	Command Command       `json:"command"`
	Result  CommandResult `json:"result"`
}
