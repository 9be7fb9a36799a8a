package locations

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownStatus indicates a status code outside the defined set.
var ErrUnknownStatus = errors.New("locations: unknown correlation status")

// Status is the correlation state of a location sample. Codes are ordered: a higher code is
// further along the server-side pipeline, and negative codes only ever exist on a client.
type Status int8

const (
	// StatusLocalOnlyRejected marks a client sample that was uploaded but never acknowledged.
	StatusLocalOnlyRejected Status = -2
	// StatusLocalOnly marks a client sample not yet uploaded.
	StatusLocalOnly Status = -1
	// StatusUncorrelated marks a stored sample awaiting correlation.
	StatusUncorrelated Status = 0
	// StatusCorrelated marks a sample that has been through the correlation join.
	StatusCorrelated Status = 1
	// StatusFlagged marks a sample in contact with a positive test subject.
	StatusFlagged Status = 2
	// StatusNotified marks a flagged sample whose owner has been notified.
	StatusNotified Status = 3
)

// ParseStatus decodes a wire or storage status code.
func ParseStatus(code int) (Status, error) {
	switch code {
	case -2:
		return StatusLocalOnlyRejected, nil
	case -1:
		return StatusLocalOnly, nil
	case 0:
		return StatusUncorrelated, nil
	case 1:
		return StatusCorrelated, nil
	case 2:
		return StatusFlagged, nil
	case 3:
		return StatusNotified, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownStatus, code)
	}
}

// Code returns the numeric wire code.
func (s Status) Code() int {
	switch s {
	case StatusLocalOnlyRejected:
		return -2
	case StatusLocalOnly:
		return -1
	case StatusUncorrelated:
		return 0
	case StatusCorrelated:
		return 1
	case StatusFlagged:
		return 2
	case StatusNotified:
		return 3
	default:
		panic(fmt.Sprintf("locations: status %d has no code", int8(s)))
	}
}

func (s Status) String() string {
	switch s {
	case StatusLocalOnlyRejected:
		return "LOCAL_ONLY_REJECTED"
	case StatusLocalOnly:
		return "LOCAL_ONLY"
	case StatusUncorrelated:
		return "UNCORRELATED"
	case StatusCorrelated:
		return "CORRELATED"
	case StatusFlagged:
		return "FLAGGED"
	case StatusNotified:
		return "NOTIFIED"
	default:
		return fmt.Sprintf("Status(%d)", int8(s))
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, err := ParseStatus(int(s))
	return err == nil
}

// ServerAssigned reports whether s can only have been set by the server pipeline.
func (s Status) ServerAssigned() bool {
	return s >= StatusUncorrelated && s.Valid()
}

// MarshalJSON encodes the status as its numeric code.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int8(s))
	}
	return json.Marshal(s.Code())
}

// UnmarshalJSON decodes a numeric status code.
func (s *Status) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return err
	}
	parsed, err := ParseStatus(code)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
