package sender

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/twinfer/omfgate/internal/transport"
)

// Fault is the classification of a failed transport call.
type Fault int

const (
	// FaultNone means the call succeeded.
	FaultNone Fault = iota
	// FaultSchemaConflict is a 400 whose body matches a configured
	// non-blocking substring; recoverable by a version bump.
	FaultSchemaConflict
	// FaultBadRequest is any other 400; fatal to the cycle.
	FaultBadRequest
	// FaultUnauthorized is a 401; fatal and surfaced to the caller.
	FaultUnauthorized
	// FaultConflict is a 409; the object already exists, non-fatal.
	FaultConflict
	// FaultConnectivityLost is a transport failure matching known
	// unreachability text; flips the connected flag.
	FaultConnectivityLost
	// FaultGeneric is everything else; fatal to the cycle.
	FaultGeneric
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultSchemaConflict:
		return "schema-conflict"
	case FaultBadRequest:
		return "bad-request"
	case FaultUnauthorized:
		return "unauthorized"
	case FaultConflict:
		return "conflict"
	case FaultConnectivityLost:
		return "connectivity-lost"
	default:
		return "generic"
	}
}

// unreachableTexts are the known "service unreachable" fragments of
// transport-level failures.
var unreachableTexts = []string{
	"connection refused",
	"connection reset by peer",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"context deadline exceeded",
	"EOF",
}

// ReportEntry is one message extracted from a server error response.
type ReportEntry struct {
	Severity   string
	Message    string
	Reason     string
	HTTPStatus int
}

// ErrorReport is the structured view of a server error body.
type ErrorReport struct {
	Entries []ReportEntry
}

// MostSevereStatus is the maximum HTTP status over the entries, defaulting
// to 200 when the body carried none.
func (r *ErrorReport) MostSevereStatus() int {
	status := 200
	for _, e := range r.Entries {
		if e.HTTPStatus > status {
			status = e.HTTPStatus
		}
	}
	return status
}

// Text joins every message and reason into one diagnostic line.
func (r *ErrorReport) Text() string {
	var parts []string
	for _, e := range r.Entries {
		if e.Message != "" {
			parts = append(parts, e.Message)
		}
		if e.Reason != "" {
			parts = append(parts, e.Reason)
		}
	}
	return strings.Join(parts, "; ")
}

// serverErrorBody mirrors the PI Web API error response shape.
type serverErrorBody struct {
	Messages []struct {
		Severity string `json:"Severity"`
		Status   struct {
			Code int `json:"Code"`
		} `json:"Status"`
		Events []struct {
			Severity string `json:"Severity"`
			Message  string `json:"Message"`
			Reason   string `json:"Reason"`
		} `json:"Events"`
	} `json:"Messages"`
}

// ParseErrorReport extracts a structured report from a server response body.
// Bodies that are not the known JSON shape degrade to a single entry holding
// the raw text.
func ParseErrorReport(body string) *ErrorReport {
	report := &ErrorReport{}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return report
	}

	var decoded serverErrorBody
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil && len(decoded.Messages) > 0 {
		for _, msg := range decoded.Messages {
			if len(msg.Events) == 0 {
				report.Entries = append(report.Entries, ReportEntry{
					Severity:   msg.Severity,
					HTTPStatus: msg.Status.Code,
				})
				continue
			}
			for _, ev := range msg.Events {
				severity := ev.Severity
				if severity == "" {
					severity = msg.Severity
				}
				report.Entries = append(report.Entries, ReportEntry{
					Severity:   severity,
					Message:    ev.Message,
					Reason:     ev.Reason,
					HTTPStatus: msg.Status.Code,
				})
			}
		}
		return report
	}

	report.Entries = append(report.Entries, ReportEntry{
		Severity: "Error",
		Message:  trimmed,
	})
	return report
}

// Classifier assigns transport errors to the fault taxonomy. The
// non-blocking substrings are server-version dependent configuration.
type Classifier struct {
	nonBlocking []string
}

// NewClassifier builds a classifier with the configured non-blocking 400
// substrings.
func NewClassifier(nonBlocking []string) *Classifier {
	return &Classifier{nonBlocking: nonBlocking}
}

// Classify maps a transport error to its fault category.
func (c *Classifier) Classify(err error) Fault {
	if err == nil {
		return FaultNone
	}

	var badReq *transport.BadRequestError
	if errors.As(err, &badReq) {
		if c.isNonBlocking(badReq.Body) {
			return FaultSchemaConflict
		}
		return FaultBadRequest
	}
	var unauthorized *transport.UnauthorizedError
	if errors.As(err, &unauthorized) {
		return FaultUnauthorized
	}
	var conflict *transport.ConflictError
	if errors.As(err, &conflict) {
		return FaultConflict
	}
	var connErr *transport.ConnectionError
	if errors.As(err, &connErr) {
		return FaultConnectivityLost
	}
	if isUnreachableText(err.Error()) {
		return FaultConnectivityLost
	}
	return FaultGeneric
}

func (c *Classifier) isNonBlocking(body string) bool {
	text := body
	if report := ParseErrorReport(body); len(report.Entries) > 0 {
		text = body + " " + report.Text()
	}
	for _, sub := range c.nonBlocking {
		if sub != "" && strings.Contains(text, sub) {
			return true
		}
	}
	return false
}

func isUnreachableText(text string) bool {
	for _, sub := range unreachableTexts {
		if strings.Contains(text, sub) {
			return true
		}
	}
	return false
}

// containerAssetPattern extracts the asset portion of a container id quoted
// in a server message.
var containerAssetPattern = regexp.MustCompile(`measurement_([A-Za-z0-9_.-]+)`)

// AssetFromErrorBody extracts the asset a server error refers to,
// best-effort, by finding a container id in the message text. Attribution is
// endpoint specific: EDS bodies carry no asset identity, so callers must
// gate this on the endpoint's capability.
func AssetFromErrorBody(body string) (string, bool) {
	match := containerAssetPattern.FindStringSubmatch(body)
	if match == nil {
		return "", false
	}
	return match[1], true
}
