package model

// Arg is a single decoded event parameter.
type Arg struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed"`
	Value   any    `json:"value"`
}

// DecodedEvent is an EventRecord bound to a known event descriptor.
type DecodedEvent struct {
	Record    EventRecord
	Contract  string
	Name      string
	Signature string
	Args      []Arg
}

// Arg returns the argument with the given name.
func (e *DecodedEvent) Arg(name string) (Arg, bool) {
	for _, arg := range e.Args {
		if arg.Name == name {
			return arg, true
		}
	}
	return Arg{}, false
}
