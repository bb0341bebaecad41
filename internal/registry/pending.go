package registry

// InstructionKind identifies a queued instruction. The numeric order is the
// delivery priority: lower values go first.
type InstructionKind int

const (
	InstructionPollRate InstructionKind = iota
	InstructionMeterValue
	InstructionInterval
	InstructionLED
	InstructionNoOp
)

func (k InstructionKind) String() string {
	switch k {
	case InstructionPollRate:
		return "poll-rate"
	case InstructionMeterValue:
		return "meter-value"
	case InstructionInterval:
		return "interval"
	case InstructionLED:
		return "led"
	default:
		return "no-op"
	}
}

// PollRate temporarily raises how often a node sends instruction requests.
type PollRate struct {
	RateSecs   uint16
	PeriodSecs uint16
}

// LEDSetting configures the puck LED: one flash per Rate meter pulses, each
// lasting at most DurationMS.
type LEDSetting struct {
	Rate       uint8
	DurationMS uint16
}

// Instruction is the single instruction selected for delivery on a poll.
type Instruction struct {
	Kind       InstructionKind
	PollRate   PollRate
	MeterValue uint32
	Interval   uint8
	LED        LEDSetting
}

// Pending holds at most one armed instruction per kind. Arming a kind that is
// already armed overwrites its value.
type Pending struct {
	PollRate   Optional[PollRate]
	MeterValue Optional[uint32]
	Interval   Optional[uint8]
	LED        Optional[LEDSetting]
}

func (p *Pending) ArmPollRate(v PollRate) { p.PollRate.Set(v) }
func (p *Pending) ArmMeterValue(v uint32) { p.MeterValue.Set(v) }
func (p *Pending) ArmInterval(v uint8)    { p.Interval.Set(v) }
func (p *Pending) ArmLED(v LEDSetting)    { p.LED.Set(v) }
func (p *Pending) Armed() bool            { return p.Peek() != InstructionNoOp }

// Peek reports which kind Take would deliver without disarming it.
func (p *Pending) Peek() InstructionKind {
	switch {
	case p.PollRate.Present():
		return InstructionPollRate
	case p.MeterValue.Present():
		return InstructionMeterValue
	case p.Interval.Present():
		return InstructionInterval
	case p.LED.Present():
		return InstructionLED
	default:
		return InstructionNoOp
	}
}

// Take disarms and returns the highest-priority armed instruction, or a no-op
// instruction when nothing is armed. Other armed kinds stay armed.
func (p *Pending) Take() Instruction {
	switch p.Peek() {
	case InstructionPollRate:
		v, _ := p.PollRate.Take()
		return Instruction{Kind: InstructionPollRate, PollRate: v}
	case InstructionMeterValue:
		v, _ := p.MeterValue.Take()
		return Instruction{Kind: InstructionMeterValue, MeterValue: v}
	case InstructionInterval:
		v, _ := p.Interval.Take()
		return Instruction{Kind: InstructionInterval, Interval: v}
	case InstructionLED:
		v, _ := p.LED.Take()
		return Instruction{Kind: InstructionLED, LED: v}
	default:
		return Instruction{Kind: InstructionNoOp}
	}
}
