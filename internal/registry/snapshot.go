package registry

import (
	"math"
	"strconv"
)

// UnknownTime is written in place of a last-seen time that is not known.
const UnknownTime uint32 = math.MaxUint32

type field struct {
	label string
	value string
}

func fields(n Node) []field {
	lastSeen, ok := n.LastSeen.Get()
	if !ok {
		lastSeen = UnknownTime
	}
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	return []field{
		{"node_id", u(uint64(n.ID))},
		{"batt_v", u(uint64(n.BatteryMV))},
		{"up_time", u(uint64(n.UptimeSecs))},
		{"sleep_time", u(uint64(n.SleptSecs))},
		{"free_ram", u(uint64(n.FreeRAM))},
		{"when_last_seen", u(uint64(lastSeen))},
		{"last_clock_drift", strconv.FormatInt(n.DriftSecs, 10)},
		{"mtr_interval", u(uint64(n.IntervalMins))},
		{"mtr_imp_per_kwh", u(uint64(n.ImpPerKWh))},
		{"last_meter_entry_finish", u(uint64(n.LastEntryFinish))},
		{"last_mtr_val", u(uint64(n.MeterValue))},
		{"last_curr_val", strconv.FormatFloat(n.CurrentRMS, 'f', 2, 64)},
		{"p_led_rate", u(uint64(n.LEDRate))},
		{"p_led_time", u(uint64(n.LEDDurationMS))},
		{"last_rssi", strconv.Itoa(int(n.LastRSSI))},
	}
}

// MessageFields returns n's snapshot as one comma-separated wire group.
func MessageFields(n Node) []string {
	fs := fields(n)
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.value
	}
	return out
}

// ConsoleLines returns n's snapshot as labelled "name=value" lines.
func ConsoleLines(n Node) []string {
	fs := fields(n)
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.label + "=" + f.value
	}
	return out
}
