// Package domain holds the entity types of the interlocking core. Every type here is a
// plain struct; JSON and dynamic maps are confined to the store boundary.
package domain

// SignalType classifies a signal's role in the layout.
type SignalType string

const (
	SignalOuter           SignalType = "OUTER"
	SignalHome            SignalType = "HOME"
	SignalStarter         SignalType = "STARTER"
	SignalAdvancedStarter SignalType = "ADVANCED_STARTER"
)

// MainAspect is the primary indication a signal can show.
type MainAspect string

const (
	AspectRed           MainAspect = "RED"
	AspectYellow        MainAspect = "YELLOW"
	AspectGreen         MainAspect = "GREEN"
	AspectSingleYellow  MainAspect = "SINGLE_YELLOW"
	AspectDoubleYellow  MainAspect = "DOUBLE_YELLOW"
)

// CallingOnAspect is the subsidiary white indication.
type CallingOnAspect string

const (
	CallingOnOff   CallingOnAspect = "OFF"
	CallingOnWhite CallingOnAspect = "WHITE"
)

// LoopAspect is the subsidiary yellow indication for a diverging loop line.
type LoopAspect string

const (
	LoopOff    LoopAspect = "OFF"
	LoopYellow LoopAspect = "YELLOW"
)

// SubsidiaryKind names which subsidiary aspect a change targets.
type SubsidiaryKind string

const (
	SubsidiaryCallingOn SubsidiaryKind = "CALLING_ON"
	SubsidiaryLoop      SubsidiaryKind = "LOOP"
)

// ControlMode describes how a signal's controllers combine their verdicts.
type ControlMode string

const (
	ControlModeAND ControlMode = "AND"
	ControlModeOR  ControlMode = "OR"
)

// Aspect is the composite indication of a signal: main aspect plus the two subsidiary
// components. It replaces the source's string-concatenation encoding with a product type;
// EncodeAspect/DecodeAspect below are the only place the string form is produced or parsed,
// kept for compatibility with the rule document's "RED_CALLING", "YELLOW_LOOP", etc.
type Aspect struct {
	Main      MainAspect
	CallingOn CallingOnAspect
	Loop      LoopAspect
}

// EncodeAspect renders a composite aspect using the rule document's string convention:
// main, with "_CALLING" appended when calling-on is WHITE and "_LOOP" when loop is YELLOW.
func EncodeAspect(a Aspect) string {
	s := string(a.Main)
	if s == "" {
		s = string(AspectRed)
	}
	if a.CallingOn == CallingOnWhite {
		s += "_CALLING"
	}
	if a.Loop == LoopYellow {
		s += "_LOOP"
	}
	return s
}

// DecodeAspect parses a rule-document composite aspect string back into its components.
// Decomposition order matters: a trailing "_LOOP" is stripped, then "_CALLING", then "_LOOP"
// once more if none was found first, so "RED_CALLING_LOOP" and "RED_LOOP_CALLING" both decode
// to the same triple — the rule document never emits the latter form, but DecodeAspect
// tolerates it.
func DecodeAspect(s string) Aspect {
	a := Aspect{CallingOn: CallingOnOff, Loop: LoopOff}
	if hasSuffixFold(s, "_LOOP") {
		a.Loop = LoopYellow
		s = s[:len(s)-len("_LOOP")]
	}
	if hasSuffixFold(s, "_CALLING") {
		a.CallingOn = CallingOnWhite
		s = s[:len(s)-len("_CALLING")]
	}
	if a.Loop == LoopOff && hasSuffixFold(s, "_LOOP") {
		a.Loop = LoopYellow
		s = s[:len(s)-len("_LOOP")]
	}
	if s == "" {
		s = string(AspectRed)
	}
	a.Main = MainAspect(s)
	return a
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	return s[len(s)-len(suffix):] == suffix
}

// Signal is the projection of a v_signals_complete row.
type Signal struct {
	ID                     string
	Type                   SignalType
	MainAspect             MainAspect
	CallingOnAspect        CallingOnAspect
	LoopAspect             LoopAspect
	IsLocked               bool
	IsActive               bool
	PossibleAspects        []MainAspect
	ProtectedTrackCircuits []string
	InterlockedWith        []string
	ControlMode            ControlMode
	ControlledBy           []string
}

// CompositeAspect returns the signal's current composite aspect.
func (s Signal) CompositeAspect() Aspect {
	return Aspect{Main: s.MainAspect, CallingOn: s.CallingOnAspect, Loop: s.LoopAspect}
}

// SupportsAspect reports whether requested is one of the signal's possible main aspects.
func (s Signal) SupportsAspect(requested MainAspect) bool {
	for _, a := range s.PossibleAspects {
		if a == requested {
			return true
		}
	}
	return false
}
