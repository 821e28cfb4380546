package domain

// PointCondition gates a rule on a point machine's current position. It is the only
// condition type: segment-occupancy conditions have no representation here.
type PointCondition struct {
	PointMachine string
	Position     PointPosition
}

// InterlockingRule is one `when_aspect` entry for a controlling signal: the conditions that
// must hold and the aspects it allows each controlled signal to show.
type InterlockingRule struct {
	WhenAspect string
	Conditions []PointCondition
	Allows     map[string][]string // controlled_signal_id -> permitted composite aspect strings
}

// SignalRules is the full declarative rule record for one signal.
type SignalRules struct {
	SignalID     string
	Type         SignalType
	Independent  bool
	ControlMode  ControlMode
	ControlledBy []string
	Rules        []InterlockingRule
}
