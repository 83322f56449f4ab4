package frame

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Address represents a one-byte station address
type Address byte

// Broadcast is delivered to every station and never acknowledged
const Broadcast Address = 0xFF

// String returns the 0xNN form
func (a Address) String() string {
	return fmt.Sprintf("0x%02X", byte(a))
}

// ParseAddress accepts "0xBB", "BB" or a decimal value
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}

	base := 10
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"):
		s = s[2:]
		base = 16
	case strings.ContainsAny(lower, "abcdef"):
		base = 16
	}

	v, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

// MarshalJSON implements json.Marshaler
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint8
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid address: %s", string(data))
		}
		*a = Address(n)
		return nil
	}

	v, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseAddress(value.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (a Address) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}
