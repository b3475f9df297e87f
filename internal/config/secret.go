package config

// Secret holds a credential (API key, DSN) that must never reach logs or
// serialized output. An explicit string() conversion is the only way to
// read the raw value.
type Secret string

const redactedPlaceholder = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString covers the %#v verb used by debug dumps.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redactedPlaceholder + `"`
}

// MarshalYAML redacts the value when a loaded config is re-serialized,
// as Config.String does for startup logging.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redactedPlaceholder, nil
}

// MarshalJSON redacts the value in JSON responses.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}
