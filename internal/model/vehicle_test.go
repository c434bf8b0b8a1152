package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// ContentHash
// ---------------------------------------------------------------------------

func baseVehicle() *Vehicle {
	return &Vehicle{
		ID:            VehicleID(SourceEncar, "38001234"),
		Source:        SourceEncar,
		ExternalID:    "38001234",
		Make:          "Hyundai",
		Model:         "Sonata",
		Trim:          "2.0 Premium",
		PriceAmount:   decimal.NewFromInt(21500000),
		PriceCurrency: "KRW",
		Images:        []string{"https://ci.encar.com/a.jpg", "https://ci.encar.com/b.jpg"},
		Attributes:    map[string]string{AttrTransmission: "automatic", AttrColor: "white"},
		Year:          2021,
		MileageKm:     42000,
		IsVisible:     true,
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	a := baseVehicle()
	b := baseVehicle()
	if a.ContentHash() != b.ContentHash() {
		t.Error("identical vehicles should produce identical hashes")
	}
}

func TestContentHash_IgnoresTimestamps(t *testing.T) {
	a := baseVehicle()
	b := baseVehicle()
	now := time.Now()
	b.UpdatedAt = now
	b.DeletedAt = &now
	if a.ContentHash() != b.ContentHash() {
		t.Error("timestamps should not affect the hash")
	}
}

func TestContentHash_AttributeOrderIndependent(t *testing.T) {
	a := baseVehicle()
	b := baseVehicle()
	b.Attributes = map[string]string{AttrColor: "white"}
	b.Attributes[AttrTransmission] = "automatic"
	if a.ContentHash() != b.ContentHash() {
		t.Error("attribute insertion order should not affect the hash")
	}
}

func TestContentHash_ChangesWithFields(t *testing.T) {
	base := baseVehicle().ContentHash()

	tests := []struct {
		name   string
		mutate func(v *Vehicle)
	}{
		{"price", func(v *Vehicle) { v.PriceAmount = decimal.NewFromInt(20000000) }},
		{"currency", func(v *Vehicle) { v.PriceCurrency = "USD" }},
		{"trim", func(v *Vehicle) { v.Trim = "2.0 Inspiration" }},
		{"image order", func(v *Vehicle) { v.Images[0], v.Images[1] = v.Images[1], v.Images[0] }},
		{"attribute", func(v *Vehicle) { v.Attributes[AttrColor] = "black" }},
		{"mileage", func(v *Vehicle) { v.MileageKm++ }},
		{"visibility", func(v *Vehicle) { v.IsVisible = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := baseVehicle()
			tt.mutate(v)
			if v.ContentHash() == base {
				t.Errorf("changing %s should change the hash", tt.name)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// VehicleID
// ---------------------------------------------------------------------------

func TestVehicleID_Stable(t *testing.T) {
	if VehicleID(SourceChe168, "x1") != VehicleID(SourceChe168, "x1") {
		t.Error("VehicleID should be stable for the same key")
	}
}

func TestVehicleID_ScopedBySource(t *testing.T) {
	if VehicleID(SourceChe168, "x1") == VehicleID(SourceDongchedi, "x1") {
		t.Error("the same external id in different sources should map to different ids")
	}
}

// ---------------------------------------------------------------------------
// Source
// ---------------------------------------------------------------------------

func TestParseSource(t *testing.T) {
	for _, s := range Sources {
		got, err := ParseSource(string(s))
		if err != nil || got != s {
			t.Errorf("ParseSource(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseSource("autotrader"); err == nil {
		t.Error("expected error for unknown source")
	}
}

// ---------------------------------------------------------------------------
// ChangeRecord.NeedsHydration
// ---------------------------------------------------------------------------

func TestNeedsHydration(t *testing.T) {
	tests := []struct {
		name string
		rec  ChangeRecord
		want bool
	}{
		{"add with payload", ChangeRecord{Operation: OpAdd, Payload: []byte(`{"inner_id":"1"}`)}, false},
		{"add without payload", ChangeRecord{Operation: OpAdd}, true},
		{"null payload", ChangeRecord{Operation: OpUpdate, Payload: []byte("null")}, true},
		{"partial update", ChangeRecord{Operation: OpUpdate, Payload: []byte(`{"new_price":1}`), Partial: true}, true},
		{"delete", ChangeRecord{Operation: OpDelete}, false},
	}
	for _, tt := range tests {
		if got := tt.rec.NeedsHydration(); got != tt.want {
			t.Errorf("%s: NeedsHydration() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// FilterTaxonomy
// ---------------------------------------------------------------------------

func TestFilterTaxonomy_CloneIsDeep(t *testing.T) {
	orig := FilterTaxonomy{
		Marks: map[string]map[string][]string{"Kia": {"K5": {"LX"}}},
		Color: []string{"white"},
	}
	c := orig.Clone()
	c.Marks["Kia"]["K5"][0] = "EX"
	c.Color[0] = "black"
	if orig.Marks["Kia"]["K5"][0] != "LX" || orig.Color[0] != "white" {
		t.Error("mutating the clone changed the original")
	}
}

func TestFilterTaxonomy_SortedNames(t *testing.T) {
	tax := FilterTaxonomy{Marks: map[string]map[string][]string{
		"Toyota": {"Corolla": nil, "Camry": nil},
		"Honda":  {"Civic": nil},
	}}
	makes := tax.MakeNames()
	if len(makes) != 2 || makes[0] != "Honda" || makes[1] != "Toyota" {
		t.Errorf("MakeNames() = %v", makes)
	}
	models := tax.ModelNames("Toyota")
	if len(models) != 2 || models[0] != "Camry" || models[1] != "Corolla" {
		t.Errorf("ModelNames(Toyota) = %v", models)
	}
}
