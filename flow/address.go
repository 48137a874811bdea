package flow

import (
	"maps"
	"slices"
)

// DataAddress locates data for one backend family. Type selects the family;
// Properties are interpreted only by backends. KeyName optionally names a
// secret holding credentials for the address.
type DataAddress struct {
	typ        string
	properties map[string]string
	keyName    string
}

// NewDataAddress builds an address. The property map is copied.
func NewDataAddress(typ string, properties map[string]string) DataAddress {
	return DataAddress{typ: typ, properties: maps.Clone(properties)}
}

// WithKeyName returns a copy of the address referring to the named secret
func (a DataAddress) WithKeyName(keyName string) DataAddress {
	a.properties = maps.Clone(a.properties)
	a.keyName = keyName
	return a
}

// Type returns the backend family tag
func (a DataAddress) Type() string { return a.typ }

// KeyName returns the secret reference, if any
func (a DataAddress) KeyName() string { return a.keyName }

// Property returns a single property value, or "" when absent
func (a DataAddress) Property(key string) string { return a.properties[key] }

// LookupProperty reports whether the property is set to a non-empty value
func (a DataAddress) LookupProperty(key string) (string, bool) {
	v, ok := a.properties[key]
	return v, ok && v != ""
}

// Properties returns a copy of all properties
func (a DataAddress) Properties() map[string]string { return maps.Clone(a.properties) }

// PropertyKeys returns the property names in sorted order
func (a DataAddress) PropertyKeys() []string {
	return slices.Sorted(maps.Keys(a.properties))
}

// IsZero reports whether the address is missing
func (a DataAddress) IsZero() bool { return a.typ == "" }

// Equal compares two addresses by value
func (a DataAddress) Equal(b DataAddress) bool {
	return a.typ == b.typ && a.keyName == b.keyName && maps.Equal(a.properties, b.properties)
}
