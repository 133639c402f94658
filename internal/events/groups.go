package events

import (
	"errors"
	"strconv"
)

// Group is a named category of push events used to route incoming frames
// to the correct subscribers.
type Group string

const (
	GroupAlarm          Group = "alarm"
	GroupAlarmEnd       Group = "alarm_end"
	GroupPanelFault     Group = "panel_fault"
	GroupPanelRestore   Group = "panel_restore"
	GroupAutomation     Group = "automation"
	GroupAutomationEdit Group = "automation_edit"
	GroupDisarm         Group = "disarm"
	GroupArm            Group = "arm"
	GroupArmFault       Group = "arm_fault"
	GroupTest           Group = "test"
	GroupCapture        Group = "capture"
	GroupDevice         Group = "device"
	GroupModeChange     Group = "mode_change"
)

// AllGroups is the set of valid event groups.
var AllGroups = map[Group]struct{}{
	GroupAlarm:          {},
	GroupAlarmEnd:       {},
	GroupPanelFault:     {},
	GroupPanelRestore:   {},
	GroupAutomation:     {},
	GroupAutomationEdit: {},
	GroupDisarm:         {},
	GroupArm:            {},
	GroupArmFault:       {},
	GroupTest:           {},
	GroupCapture:        {},
	GroupDevice:         {},
	GroupModeChange:     {},
}

// ErrInvalidEventGroup indicates a subscription to an unknown event group.
// This is a caller bug, not a transient condition.
var ErrInvalidEventGroup = errors.New("unknown event group")

// ValidGroup reports whether g is a known event group.
func ValidGroup(g Group) bool {
	_, ok := AllGroups[g]
	return ok
}

// AllTimelineCodes subscribes a timeline callback to every event code.
const AllTimelineCodes = "*"

// GroupForCode maps a 4-digit timeline event code onto its group. Codes
// outside the known ranges map to the device group.
func GroupForCode(code string) Group {
	n, err := strconv.Atoi(code)
	if err != nil {
		return GroupDevice
	}

	switch {
	case n >= 1100 && n < 1300:
		return GroupAlarm
	case n >= 3100 && n < 3300:
		return GroupAlarmEnd
	case n >= 1300 && n < 1400:
		return GroupPanelFault
	case n >= 3300 && n < 3400:
		return GroupPanelRestore
	case n >= 1400 && n < 1500:
		return GroupDisarm
	case n >= 3400 && n < 3500:
		return GroupArm
	case n >= 1000 && n < 1100:
		return GroupArmFault
	case n >= 1600 && n < 1700:
		return GroupTest
	case n >= 5000 && n < 6000:
		return GroupCapture
	case n >= 2000 && n < 3000:
		return GroupAutomation
	default:
		return GroupDevice
	}
}

// Event names pushed by the Abode Socket.IO server.
const (
	eventDeviceUpdate    = "com.goabode.device.update"
	eventGatewayMode     = "com.goabode.gateway.mode"
	eventGatewayTimeline = "com.goabode.gateway.timeline"
	eventAutomation      = "com.goabode.automation"
)
