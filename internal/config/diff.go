package config

import "github.com/MrWong99/smartgenie/internal/collection"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CollectionChanged is set when session.collection names a different
	// collection. The running session switches to NewCollection.
	CollectionChanged bool
	NewCollection     string

	// CatalogueChanged is set when collections were added, removed or renamed.
	CatalogueChanged bool
	Added            []string
	Removed          []string

	// RestartRequired lists settings that changed but only take effect after
	// a restart (endpoint, audio backend, sinks, admin address).
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CollectionChanged || d.CatalogueChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Session.Collection != new.Session.Collection {
		d.CollectionChanged = true
		d.NewCollection = new.Session.Collection
	}

	oldItems := indexCollections(old.Session.Catalogue())
	newItems := indexCollections(new.Session.Catalogue())
	for id, oc := range oldItems {
		nc, ok := newItems[id]
		if !ok {
			d.Removed = append(d.Removed, id)
			d.CatalogueChanged = true
			continue
		}
		if oc.Name != nc.Name {
			d.CatalogueChanged = true
		}
	}
	for id := range newItems {
		if _, ok := oldItems[id]; !ok {
			d.Added = append(d.Added, id)
			d.CatalogueChanged = true
		}
	}

	if old.Session.Endpoint != new.Session.Endpoint || old.Session.Token != new.Session.Token {
		d.RestartRequired = append(d.RestartRequired, "session.endpoint")
	}
	if old.Session.DialTimeout != new.Session.DialTimeout ||
		old.Session.WriteTimeout != new.Session.WriteTimeout ||
		old.Session.TurnTimeout != new.Session.TurnTimeout ||
		old.Session.Reconnect != new.Session.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Conversation != new.Conversation {
		d.RestartRequired = append(d.RestartRequired, "conversation")
	}
	if old.Admin != new.Admin {
		d.RestartRequired = append(d.RestartRequired, "admin")
	}

	return d
}

func indexCollections(items []collection.Collection) map[string]collection.Collection {
	m := make(map[string]collection.Collection, len(items))
	for _, c := range items {
		m[c.ID] = c
	}
	return m
}
