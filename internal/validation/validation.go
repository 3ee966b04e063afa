package validation

import (
	"errors"
	"math"
	"mime"
	"strconv"
	"strings"
)

// LogicalTimeHeader carries the sender's Lamport time on requests and the
// server's Lamport time on responses.
const LogicalTimeHeader = "Logical-Time"

// ErrLogicalTimeMissing is returned when the request carries no Logical-Time header.
var ErrLogicalTimeMissing = errors.New("missing Logical-Time header")

// ErrLogicalTimeInvalid is returned when the Logical-Time header is not a usable integer.
var ErrLogicalTimeInvalid = errors.New("invalid Logical-Time header")

// MaxLogicalTime is the largest accepted Logical-Time header value.
const MaxLogicalTime = math.MaxInt64 - 2

// ErrContentType is returned when a body is not declared as JSON.
var ErrContentType = errors.New("invalid content type")

// ParseLogicalTime validates a Logical-Time header value. present reports
// whether the header was sent at all, so an empty value is invalid rather
// than missing. Values must be base-10 integers no greater than
// MaxLogicalTime, leaving room for the receive step and the response tick.
func ParseLogicalTime(raw string, present bool) (int64, error) {
	if !present {
		return 0, ErrLogicalTimeMissing
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v > MaxLogicalTime {
		return 0, ErrLogicalTimeInvalid
	}
	return v, nil
}

// ValidateContentType accepts application/json and structured-suffix types
// such as application/vnd.weather+json, with any parameters.
func ValidateContentType(header string) error {
	if strings.TrimSpace(header) == "" {
		return ErrContentType
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ErrContentType
	}
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		return nil
	}
	return ErrContentType
}
