// Package models defines the run documents shared by every agent.
package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DataType is the category of a dataset.
type DataType string

const (
	TypeRaw         DataType = "raw"
	TypeProcessed   DataType = "processed"
	TypeUntriggered DataType = "untriggered"
	TypeArchive     DataType = "archive"
)

// ParseDataType converts a stored or configured string into a DataType.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case TypeRaw, TypeProcessed, TypeUntriggered, TypeArchive:
		return DataType(s), nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// UnmarshalBSONValue rejects data types this agent does not understand.
func (d *DataType) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	str, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return fmt.Errorf("data type: expected string, got %s", t)
	}
	parsed, err := ParseDataType(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Tag is a free-form label attached to a run.
type Tag struct {
	Name string `bson:"name" json:"name"`
}

// ReaderSettings is the subset of acquisition metadata the agents look at.
type ReaderSettings struct {
	SelfTrigger bool `bson:"self_trigger" json:"self_trigger"`
	Ini         struct {
		WriteMode int `bson:"write_mode" json:"write_mode"`
	} `bson:"ini" json:"ini"`
}

// TriggerSettings is the subset of trigger metadata the agents look at.
type TriggerSettings struct {
	EventsBuilt int64 `bson:"events_built" json:"events_built"`
}

// Run is one acquisition and all known copies of its data.
type Run struct {
	ID       primitive.ObjectID `bson:"_id" json:"id"`
	Name     string             `bson:"name" json:"name"`
	Number   int                `bson:"number" json:"number"`
	Detector string             `bson:"detector" json:"detector"`
	Start    time.Time          `bson:"start,omitempty" json:"start"`
	Reader   ReaderSettings     `bson:"reader,omitempty" json:"reader"`
	Trigger  TriggerSettings    `bson:"trigger,omitempty" json:"trigger"`
	Tags     []Tag              `bson:"tags,omitempty" json:"tags,omitempty"`
	Data     []DataLocation     `bson:"data" json:"data"`
}

// HasTag reports whether the run carries the named tag.
func (r *Run) HasTag(name string) bool {
	for _, tag := range r.Tags {
		if tag.Name == name {
			return true
		}
	}
	return false
}

// LocationsOn returns the run's locations owned by host.
func (r *Run) LocationsOn(host string) []DataLocation {
	var out []DataLocation
	for _, loc := range r.Data {
		if loc.Host == host {
			out = append(out, loc)
		}
	}
	return out
}

// String identifies the run in log lines.
func (r *Run) String() string {
	return fmt.Sprintf("%d (%s)", r.Number, r.Name)
}
