package codec

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Dialect captures the per-firmware differences in the command set.
type Dialect struct {
	Name string `json:"name" yaml:"name"`

	// Handshake is the greeting substring expected after open, if any.
	Handshake string `json:"handshake,omitempty" yaml:"handshake,omitempty"`

	// StatusCommands are sent in order to refresh every field.
	StatusCommands []string `json:"status_commands" yaml:"status_commands"`

	// CoverSwitch is set when the firmware takes O/C cover commands rather
	// than deriving the cover from the servo angle.
	CoverSwitch  bool   `json:"cover_switch,omitempty" yaml:"cover_switch,omitempty"`
	OpenCommand  string `json:"open_command,omitempty" yaml:"open_command,omitempty"`
	CloseCommand string `json:"close_command,omitempty" yaml:"close_command,omitempty"`
}

var (
	// FlatField answers F with a combined SP:<n>,LB:<n> line.
	FlatField = Dialect{
		Name:           "flatfield",
		StatusCommands: []string{"F"},
	}

	// Rotation greets on open and answers GETS/GETL with OK: acknowledgements.
	Rotation = Dialect{
		Name:           "rotation",
		Handshake:      "Rotation Panel Ready",
		StatusCommands: []string{"GETS", "GETL"},
	}

	// Switched drives the cover with O/C and reports like FlatField.
	Switched = Dialect{
		Name:           "switched",
		StatusCommands: []string{"F"},
		CoverSwitch:    true,
		OpenCommand:    "O",
		CloseCommand:   "C",
	}
)

var dialects = map[string]Dialect{
	FlatField.Name: FlatField,
	Rotation.Name:  Rotation,
	Switched.Name:  Switched,
}

// LookupDialect returns the built-in dialect with the given name.
func LookupDialect(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Dialect{}, errors.Errorf("unknown dialect %q (known: %s)", name, strings.Join(DialectNames(), ", "))
	}
	d.StatusCommands = append([]string(nil), d.StatusCommands...)
	return d, nil
}

// DialectNames lists the built-in dialects.
func DialectNames() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
