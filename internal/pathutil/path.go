// Package pathutil checks names that become single elements of a local or
// remote path.
package pathutil

import (
	"errors"
	"strings"
)

// ErrInvalidName is returned for names that are not a single, plain path
// element.
var ErrInvalidName = errors.New("invalid file name")

// CheckFileName reports whether name can be joined onto a directory without
// escaping it: non-empty, not "." or "..", no separators, no NUL, and no
// leading dot.
func CheckFileName(name string) error {
	switch {
	case name == "":
		return ErrInvalidName
	case name[0] == '.':
		return ErrInvalidName
	case strings.ContainsAny(name, `/\`+"\x00"):
		return ErrInvalidName
	}
	return nil
}
