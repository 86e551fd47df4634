package protocol

// ModalState is the G-code interpreter's sticky settings (spec.md §3),
// updated by parser events and read by the feeder's macro template evaluator
// and by clients for display.
type ModalState struct {
	// Motion is the active motion mode, e.g. "G0", "G1", "G2", "G3".
	Motion string

	// WCS is the active work coordinate system, G54..G59.3.
	WCS string

	// Plane is the active plane selection, "G17"/"G18"/"G19".
	Plane string

	// DistanceMode is "G90" (absolute) or "G91" (incremental).
	DistanceMode string

	// FeedrateMode is "G93" (inverse time) or "G94" (units/min).
	FeedrateMode string

	// Units is "G20" (inch) or "G21" (mm).
	Units string

	// ToolLengthOffset is "G43" or "G49".
	ToolLengthOffset string

	// Spindle is "M3" (CW), "M4" (CCW), or "M5" (stopped).
	Spindle string

	// Coolant is "M7", "M8", "M9", or a combination ("M7,M8").
	Coolant string

	// Program is the program-mode word last seen: "M0","M1","M2","M30", or "".
	Program string

	// Tool is the current tool number (Tn).
	Tool int

	// Feedrate is the last commanded feedrate.
	Feedrate float64

	// SpindleSpeed is the last commanded spindle speed.
	SpindleSpeed float64
}

// DefaultModalState returns the conventional Grbl/Marlin/Smoothie/TinyG
// power-on modal defaults.
func DefaultModalState() ModalState {
	return ModalState{
		Motion:           "G0",
		WCS:              "G54",
		Plane:            "G17",
		DistanceMode:     "G90",
		FeedrateMode:     "G94",
		Units:            "G21",
		ToolLengthOffset: "G49",
		Spindle:          "M5",
		Coolant:          "M9",
	}
}
