// Package ustr provides an immutable byte-string type used for data copied
// in from user space, adapted from biscuit's ustr.Ustr. gokern only needs
// the NUL-terminated string case backing CopyStringIn; the path-component
// helpers (Isdot/Isdotdot) biscuit needed for its VFS have no caller here.
package ustr

// Ustr is an immutable string copied in from user memory.
type Ustr []uint8

// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// String renders the Ustr for logging/diagnostics.
func (us Ustr) String() string {
	return string(us)
}

// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

// MkUstrSlice truncates buf at the first NUL byte (or takes it whole if
// none is found) and returns the result as a Ustr.
func MkUstrSlice(buf []uint8) Ustr {
	for i, c := range buf {
		if c == 0 {
			return Ustr(append([]uint8{}, buf[:i]...))
		}
	}
	return Ustr(append([]uint8{}, buf...))
}
