package kafkasubscriber

import (
	"encoding/json"
	"fmt"
)

// Errorf works like fmt.Errorf (so %w wraps) but the returned error marshals
// to a JSON string.
func Errorf(format string, v ...interface{}) error {
	return &Error{fmt.Errorf(format, v...)}
}

type Error struct {
	error
}

func (e *Error) Unwrap() error {
	return e.error
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Error())
}
