package models

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Status is the lifecycle state of one data location.
// The zero value is not a valid status.
type Status string

const (
	StatusTransferring Status = "transferring"
	StatusVerifying    Status = "verifying"
	StatusTransferred  Status = "transferred"
	StatusError        Status = "error"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusTransferring, StatusVerifying, StatusTransferred, StatusError}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusTransferring, StatusVerifying, StatusTransferred, StatusError:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown location status %q", s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// InFlight reports whether a transfer attempt is still running.
func (s Status) InFlight() bool {
	return s == StatusTransferring || s == StatusVerifying
}

// Terminal reports whether no further transition is allowed.
// A terminal location can only be removed.
func (s Status) Terminal() bool {
	return s == StatusTransferred || s == StatusError
}

// CanTransition reports whether from -> to is an edge of the lifecycle:
//
//	transferring -> verifying -> transferred
//	transferring | verifying -> error
func CanTransition(from, to Status) bool {
	switch from {
	case StatusTransferring:
		return to == StatusVerifying || to == StatusError
	case StatusVerifying:
		return to == StatusTransferred || to == StatusError
	case StatusTransferred, StatusError:
		return false
	}
	return false
}

// UnmarshalBSONValue rejects statuses this agent does not understand.
func (s *Status) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	str, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return fmt.Errorf("location status: expected string, got %s", t)
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
