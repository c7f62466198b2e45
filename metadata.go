package agentbus

import (
	"fmt"
	"sort"
	"strings"
)

// Metadata carries optional string key/value context with an event.
type Metadata map[string]string

// NewMetadata creates an empty metadata map.
func NewMetadata() Metadata {
	return Metadata{}
}

// Get returns the metadata value for the provided key.
func (m Metadata) Get(key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return ""
}

// Set sets the metadata key to the provided value.
func (m Metadata) Set(key, value string) Metadata {
	m[key] = value
	return m
}

// Copy returns a deep copy of the metadata.
func (m Metadata) Copy() Metadata {
	if m == nil {
		return nil
	}
	m1 := make(Metadata, len(m))
	for key, val := range m {
		m1[key] = val
	}
	return m1
}

// String renders the metadata with deterministic key order.
func (m Metadata) String() string {
	if m == nil {
		return ""
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	vals := make([]string, 0, len(keys))
	for _, key := range keys {
		vals = append(vals, fmt.Sprintf("%s=%s", key, m[key]))
	}
	return fmt.Sprintf("Metadata{%s}", strings.Join(vals, ", "))
}
