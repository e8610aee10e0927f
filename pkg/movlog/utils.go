package movlog

import (
	"reflect"
)

// GetPointer does the same thing as fmt.Sprintf("%p", &v) but fast.
// Used to tag log lines with object identity.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	return uint(uintptr(ptr))
}
