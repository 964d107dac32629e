package pagination

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decoder turns one page body into its items, in server order.
type Decoder[T any] func(body []byte) ([]T, error)

// DecodeError reports a page body that could not be decoded.
type DecodeError struct {
	// URL of the page, filled in by the stream
	URL string
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("decode page: %v", e.Err)
	}
	return fmt.Sprintf("decode page %s: %v", e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// JSONArray decodes page bodies that are a JSON array of items.
func JSONArray[T any]() Decoder[T] {
	return func(body []byte) ([]T, error) {
		var items []T
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, &DecodeError{Err: err}
		}
		return items, nil
	}
}

// JSONField decodes page bodies that are a JSON object holding the items
// in an array under field, like search results ({"items": [...]}).
func JSONField[T any](field string) Decoder[T] {
	return func(body []byte) ([]T, error) {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, &DecodeError{Err: err}
		}

		raw, ok := doc[field]
		if !ok {
			return nil, &DecodeError{Err: fmt.Errorf("missing field %q", field)}
		}

		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("field %q: %w", field, err)}
		}
		return items, nil
	}
}

// asDecodeError makes sure a decoder failure is a *DecodeError carrying url.
func asDecodeError(err error, url string) error {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		if decodeErr.URL == "" {
			decodeErr.URL = url
		}
		return err
	}
	return &DecodeError{URL: url, Err: err}
}
