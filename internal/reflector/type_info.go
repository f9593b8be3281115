// Package reflector resolves and caches fully qualified type names.
// The command bus and event registry use these names as routing keys.
package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo holds metadata about a reflected type.
type TypeInfo struct {
	Name string       // fully qualified name: "pkg/path.TypeName"
	Type reflect.Type // the underlying reflect.Type
}

// TypeInfoOf returns TypeInfo for the dynamic type of x.
func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

// TypeInfoFor returns TypeInfo for the type parameter T.
func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeFor[T]())
}

// TypeInfoForType returns TypeInfo for t. Pointer types resolve to their
// element type so *T and T share one name. Results are cached.
func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	ti = TypeInfo{
		Name: t.PkgPath() + "." + t.Name(),
		Type: t,
	}

	muCache.Lock()
	cache[t] = ti
	muCache.Unlock()
	return ti
}
