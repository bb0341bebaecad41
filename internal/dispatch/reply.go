package dispatch

import (
	"fmt"

	"github.com/metergateway/internal/registry"
)

// FormatInstruction renders the reply to an instruction request. rssi is the
// signal strength the gateway measured for the request.
func FormatInstruction(inst registry.Instruction, rssi int8) string {
	switch inst.Kind {
	case registry.InstructionPollRate:
		return fmt.Sprintf("%s,%d,%d,%d", TagPollRate, inst.PollRate.RateSecs, inst.PollRate.PeriodSecs, rssi)
	case registry.InstructionMeterValue:
		return fmt.Sprintf("%s,%d,%d", TagMeterValue, inst.MeterValue, rssi)
	case registry.InstructionInterval:
		return fmt.Sprintf("%s,%d,%d", TagInterval, inst.Interval, rssi)
	case registry.InstructionLED:
		return fmt.Sprintf("%s,%d,%d,%d", TagLED, inst.LED.Rate, inst.LED.DurationMS, rssi)
	default:
		return fmt.Sprintf("%s,%d", TagNoOp, rssi)
	}
}

// FormatPingResponse echoes the node time next to the gateway time.
func FormatPingResponse(nodeTime, gatewayTime uint32, align bool, rssi int8) string {
	a := 0
	if align {
		a = 1
	}
	return fmt.Sprintf("%s,%d,%d,%d,%d", TagPingResponse, nodeTime, gatewayTime, a, rssi)
}
