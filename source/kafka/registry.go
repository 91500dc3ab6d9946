package kafka

import (
	"fmt"
	"sort"
	"strings"
)

// Factory builds a consumer driver for kafka_input.
type Factory func() Adapter

var drivers = map[string]Factory{}

// Register is called from each driver's init().
func Register(name string, f Factory) { drivers[name] = f }

// NewAdapter returns the consumer driver named by a kafka_input's config.
func NewAdapter(name string) (Adapter, error) {
	f, ok := drivers[name]
	if !ok {
		known := make([]string, 0, len(drivers))
		for k := range drivers {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("kafka_input: unknown driver %q (have %s)", name, strings.Join(known, ", "))
	}
	return f(), nil
}
