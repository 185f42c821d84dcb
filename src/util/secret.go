package util

import (
	"fmt"

	"github.com/rs/zerolog"
)

const (
	SecretMarker = "************"
)

// Secret is a string that redacts itself in every marshal and format path.
// Config fields holding passwords, signing keys and encryption keys use it so
// the startup config dump never leaks credentials.
type Secret string

func (s Secret) String() string {
	return SecretMarker
}

func (s Secret) GoString() string {
	return SecretMarker
}

func (s Secret) Format(f fmt.State, _ rune) {
	_, err := f.Write([]byte(SecretMarker))
	if err != nil {
		return
	}
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(SecretMarker), nil
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + SecretMarker + `"`), nil
}

func (s Secret) MarshalYAML() (interface{}, error) {
	return SecretMarker, nil
}

func (s Secret) MarshalZerologObject(e *zerolog.Event) {
	e.Str("secret", SecretMarker)
}
