package path

import (
	"fmt"
	"strings"
)

// Component of a pathname. This type is nothing more than a string that
// is guaranteed to be a valid Unix filename.
type Component struct {
	name string
}

// NewComponent creates a new pathname component. Creation fails in case
// the name is empty, ".", "..", contains a slash, or is not a valid
// C string.
func NewComponent(name string) (Component, bool) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return Component{}, false
	}
	return Component{name: name}, true
}

// MustNewComponent is identical to NewComponent, except that it panics
// upon failure.
func MustNewComponent(name string) Component {
	c, ok := NewComponent(name)
	if !ok {
		panic(fmt.Sprintf("Invalid component name %#v", name))
	}
	return c
}

// MustNewComponentf formats a pathname component. State directories
// use formatted names for heights and canister IDs, which are always
// valid filenames.
func MustNewComponentf(format string, args ...any) Component {
	return MustNewComponent(fmt.Sprintf(format, args...))
}

// WithSuffix returns a new component that has a suffix appended to
// its name. Suffixes never introduce slashes, so this always yields a
// valid component.
func (c Component) WithSuffix(suffix string) Component {
	return MustNewComponent(c.name + suffix)
}

func (c Component) String() string {
	return c.name
}
