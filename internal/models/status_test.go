package models

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	for _, bad := range []string{"", "done", "Transferred", "transferring "} {
		if _, err := ParseStatus(bad); err == nil {
			t.Errorf("ParseStatus(%q) accepted", bad)
		}
	}
}

func TestParseDataType(t *testing.T) {
	for _, d := range []DataType{TypeRaw, TypeProcessed, TypeUntriggered, TypeArchive} {
		got, err := ParseDataType(string(d))
		if err != nil || got != d {
			t.Errorf("ParseDataType(%q) = %q, %v", d, got, err)
		}
	}
	for _, bad := range []string{"", "bogus", "RAW"} {
		if _, err := ParseDataType(bad); err == nil {
			t.Errorf("ParseDataType(%q) accepted", bad)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusTransferring, StatusVerifying}: true,
		{StatusVerifying, StatusTransferred}:  true,
		{StatusTransferring, StatusError}:     true,
		{StatusVerifying, StatusError}:        true,
	}
	for _, from := range append(Statuses, "") {
		for _, to := range append(Statuses, "") {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Errorf("CanTransition(%q, %q) = %v", from, to, got)
			}
		}
	}
}

func TestDataLocationBSON(t *testing.T) {
	want := DataLocation{
		Type:          TypeProcessed,
		Host:          "midway",
		Status:        StatusVerifying,
		Location:      "/data/processed/pax_v6.8.0/170101_1200.root",
		Checksum:      "0a1b2c3d",
		CreationTime:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CreationPlace: "midway",
		PaxVersion:    "v6.8.0",
	}
	b, err := bson.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got DataLocation
	if err := bson.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDataLocationBSONRejectsUnknownValues(t *testing.T) {
	tests := []struct {
		name string
		doc  bson.M
	}{
		{name: "unknown status", doc: bson.M{"type": "raw", "host": "h", "status": "done", "location": "/x"}},
		{name: "unknown type", doc: bson.M{"type": "bogus", "host": "h", "status": "transferred", "location": "/x"}},
		{name: "status not a string", doc: bson.M{"type": "raw", "host": "h", "status": 3, "location": "/x"}},
		{name: "type not a string", doc: bson.M{"type": true, "host": "h", "status": "error", "location": "/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := bson.Marshal(tt.doc)
			if err != nil {
				t.Fatal(err)
			}
			var loc DataLocation
			if err := bson.Unmarshal(b, &loc); err == nil {
				t.Errorf("Unmarshal() accepted %v as %+v", tt.doc, loc)
			}
		})
	}

	t.Run("inside a run", func(t *testing.T) {
		b, err := bson.Marshal(bson.M{"name": "170101_1200", "data": bson.A{
			bson.M{"type": "raw", "host": "h", "status": "transferred", "location": "/x"},
			bson.M{"type": "raw", "host": "g", "status": "done", "location": "/y"},
		}})
		if err != nil {
			t.Fatal(err)
		}
		var run Run
		if err := bson.Unmarshal(b, &run); err == nil {
			t.Errorf("Unmarshal() accepted a run with an unknown status: %+v", run.Data)
		}
	})
}
