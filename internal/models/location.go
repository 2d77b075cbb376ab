package models

import (
	"fmt"
	"time"
)

// DataLocation is one physical copy of one dataset of a run.
type DataLocation struct {
	Type          DataType  `bson:"type" json:"type"`
	Host          string    `bson:"host" json:"host"`
	Status        Status    `bson:"status" json:"status"`
	Location      string    `bson:"location" json:"location"`
	Checksum      string    `bson:"checksum" json:"checksum,omitempty"`
	CreationTime  time.Time `bson:"creation_time,omitempty" json:"creation_time"`
	CreationPlace string    `bson:"creation_place,omitempty" json:"creation_place,omitempty"`

	// PaxVersion is the processing version; only set on processed data.
	PaxVersion string `bson:"pax_version,omitempty" json:"pax_version,omitempty"`

	// Collection names the DAQ buffer collection; only set on untriggered data.
	Collection string `bson:"collection,omitempty" json:"collection,omitempty"`

	// Error is the reason a location was marked error.
	Error string `bson:"error,omitempty" json:"error,omitempty"`
}

// DatasetKey identifies the logical dataset a location is a copy of.
type DatasetKey struct {
	Type       DataType
	PaxVersion string
}

func (k DatasetKey) String() string {
	if k.PaxVersion == "" {
		return string(k.Type)
	}
	return string(k.Type) + "/" + k.PaxVersion
}

// Key returns the dataset this location holds.
func (l DataLocation) Key() DatasetKey {
	return DatasetKey{Type: l.Type, PaxVersion: l.PaxVersion}
}

// HasChecksum reports whether a digest has been recorded.
func (l DataLocation) HasChecksum() bool {
	return l.Checksum != ""
}

// String identifies the location in log lines.
func (l DataLocation) String() string {
	return fmt.Sprintf("%s@%s:%s [%s]", l.Key(), l.Host, l.Location, l.Status)
}

// Copies returns the transferred locations of key held by hosts other than
// excludeHost.
func (r *Run) Copies(key DatasetKey, excludeHost string) []DataLocation {
	var out []DataLocation
	for _, loc := range r.Data {
		if loc.Host == excludeHost || loc.Key() != key {
			continue
		}
		if loc.Status == StatusTransferred {
			out = append(out, loc)
		}
	}
	return out
}
