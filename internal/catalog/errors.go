package catalog

import "fmt"

// FetchErrorKind classifies why a catalog retrieval failed.
type FetchErrorKind int

const (
	NetworkFailure FetchErrorKind = iota + 1
	MalformedResponse
	Timeout
)

func (k FetchErrorKind) String() string {
	switch k {
	case NetworkFailure:
		return "network failure"
	case MalformedResponse:
		return "malformed response"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("fetch error kind %d", int(k))
	}
}

// FetchError is returned by Fetcher when a catalog cannot be retrieved.
type FetchError struct {
	Kind FetchErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching catalog %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseSkip records a line or entry that was ignored while parsing.
type ParseSkip struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}
