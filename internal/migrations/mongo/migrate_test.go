package mongo

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestCollections_RequireStoredFields(t *testing.T) {
	want := map[string][]string{
		"Bookings":         {"user_id", "hotel_id", "total_guests", "booking_amount", "status"},
		"Idempotency_keys": {"_id", "booking_id", "finalized"},
	}

	for _, def := range Collections {
		fields, ok := want[def.Name]
		if !ok {
			t.Errorf("unexpected collection %s", def.Name)
			continue
		}
		schema, ok := def.Validator["$jsonSchema"].(bson.M)
		if !ok {
			t.Fatalf("%s: validator has no $jsonSchema", def.Name)
		}
		required, _ := schema["required"].([]string)
		for _, f := range fields {
			if !contains(required, f) {
				t.Errorf("%s: field %q should be required", def.Name, f)
			}
		}
		if len(def.Indexes) == 0 {
			t.Errorf("%s: expected at least one index", def.Name)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
