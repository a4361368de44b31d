package util

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// FromJSON unmarshals data into a new T and checks it against the struct's
// validate tags, so malformed wire payloads surface at the decode boundary
// instead of as zero values deeper in.
func FromJSON[T any](data []byte) (*T, error) {
	value := new(T)
	if err := json.Unmarshal(data, value); err != nil {
		return nil, fmt.Errorf("unmarshalling %T: %w", value, err)
	}
	if err := validate.Struct(value); err != nil {
		return nil, fmt.Errorf("validating %T: %w", value, err)
	}
	return value, nil
}

// AnyToStruct converts loosely typed values (maps and slices from generic
// JSON decoding) into a validated T using a JSON round trip.
func AnyToStruct[T any](anyValue any) (*T, error) {
	data, err := json.Marshal(anyValue)
	if err != nil {
		return nil, fmt.Errorf("marshalling intermediate value: %w", err)
	}
	return FromJSON[T](data)
}
