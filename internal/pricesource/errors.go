package pricesource

import (
	"errors"
	"fmt"

	"pricewatch/internal/model"
)

type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindElementNotFound Kind = "element_not_found"
	KindParseFailure    Kind = "parse_failure"
	KindHTTPError       Kind = "http_error"
)

// FetchError is the only error type a Source returns.
type FetchError struct {
	Kind Kind
	// Status is the HTTP status for KindHTTPError; 0 means the request never
	// got a response.
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s (status %d): %v", e.Kind, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetch %s (status %d)", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
	default:
		return "fetch " + string(e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Outcome maps an error returned by Fetch to the recorded outcome.
func Outcome(err error) model.Outcome {
	if err == nil {
		return model.OutcomeSuccess
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		return model.OutcomeHTTPError
	}
	switch fe.Kind {
	case KindTimeout:
		return model.OutcomeTimeout
	case KindElementNotFound:
		return model.OutcomeElementNotFound
	case KindParseFailure:
		return model.OutcomeParseFailure
	default:
		return model.OutcomeHTTPError
	}
}
