package browser

import (
	"fmt"
	"sort"
	"sync"
)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]SessionFactory)
)

// RegisterDriver makes a session factory available under a driver name,
// the way sql drivers self-register. Concrete automation backends bind
// themselves here from their own packages; everything above the Session
// interface stays driver-agnostic.
func RegisterDriver(name string, factory SessionFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("browser: RegisterDriver factory is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("browser: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = factory
}

// Driver returns the factory registered under name.
func Driver(name string) (SessionFactory, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	factory, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown browser driver %q (registered: %v)", name, driverNamesLocked())
	}
	return factory, nil
}

// DriverNames lists registered drivers, sorted.
func DriverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return driverNamesLocked()
}

func driverNamesLocked() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
