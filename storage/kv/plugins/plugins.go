// Package plugins is the registry of storage plugins a
// node can keep its partitions in
package plugins

import (
	"github.com/jrife/plover/storage/kv"
	"github.com/jrife/plover/storage/kv/plugins/bbolt"
)

var registry = append([]kv.Plugin{&kv.MemoryPlugin{}}, bbolt.Plugins()...)

// Plugin looks up a plugin by name. It returns
// nil if no plugin has that name.
func Plugin(name string) kv.Plugin {
	for _, plugin := range registry {
		if plugin.Name() == name {
			return plugin
		}
	}

	return nil
}

// Plugins lists every registered plugin, the
// in-memory plugin first
func Plugins() []kv.Plugin {
	return registry
}

// Names lists the names of every registered plugin
func Names() []string {
	names := make([]string, len(registry))

	for i, plugin := range registry {
		names[i] = plugin.Name()
	}

	return names
}
