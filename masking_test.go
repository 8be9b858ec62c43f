package abac

import "testing"

var maskingProps = []PropertyAccessResult{
	{Code: "name", CanRead: true},
	{Code: "ssn", CanRead: true, IsMasked: true, MaskValue: "***-**-****"},
	{Code: "diagnosis", CanRead: false},
}

func TestMaskItem(t *testing.T) {
	item := map[string]any{"id": "p1", "name": "Ada", "ssn": "123-45-6789", "diagnosis": "flu"}
	out := MaskItem(item, maskingProps)
	if out["id"] != "p1" || out["name"] != "Ada" {
		t.Fatalf("unexpected passthrough values: %v", out)
	}
	if out["ssn"] != "***-**-****" {
		t.Fatalf("expected masked ssn, got %v", out["ssn"])
	}
	if _, ok := out["diagnosis"]; ok {
		t.Fatalf("unreadable property should be removed")
	}
	if item["ssn"] != "123-45-6789" {
		t.Fatalf("input must not be modified")
	}
}

func TestMaskPayloadShapes(t *testing.T) {
	rec := func() map[string]any { return map[string]any{"name": "Ada", "ssn": "123", "diagnosis": "flu"} }

	list := MaskPayload([]any{rec(), "scalar"}, maskingProps).([]any)
	if list[0].(map[string]any)["ssn"] != "***-**-****" || list[1] != "scalar" {
		t.Fatalf("unexpected list result: %v", list)
	}

	typed := MaskPayload([]map[string]any{rec()}, maskingProps).([]map[string]any)
	if _, ok := typed[0]["diagnosis"]; ok {
		t.Fatalf("diagnosis should be removed from typed list")
	}

	wrapped := MaskPayload(map[string]any{"items": []any{rec()}, "total": 1}, maskingProps).(map[string]any)
	if wrapped["total"] != 1 {
		t.Fatalf("wrapper fields should be kept")
	}
	inner := wrapped["items"].([]any)[0].(map[string]any)
	if inner["ssn"] != "***-**-****" {
		t.Fatalf("expected masked ssn inside wrapper, got %v", inner["ssn"])
	}

	if MaskPayload("plain", maskingProps) != "plain" {
		t.Fatalf("non-record payloads pass through")
	}
}

func TestMaskPayloadRecordWithListField(t *testing.T) {
	props := []PropertyAccessResult{
		{Code: "ssn", CanRead: false},
		{Code: "dob", CanRead: true, IsMasked: true, MaskValue: "****"},
	}
	for _, key := range []string{"items", "data"} {
		rec := map[string]any{"ssn": "123-45-6789", "dob": "1980-01-01", key: []any{"aspirin"}}
		out := MaskPayload(rec, props).(map[string]any)
		if _, ok := out["ssn"]; ok {
			t.Fatalf("%s: unreadable ssn leaked: %v", key, out)
		}
		if out["dob"] != "****" {
			t.Fatalf("%s: dob should be masked: %v", key, out)
		}
		if list := out[key].([]any); len(list) != 1 || list[0] != "aspirin" {
			t.Fatalf("%s: list field should be kept: %v", key, out[key])
		}
	}

	// a wrapper is masked at its own level too
	wrapped := MaskPayload(map[string]any{"ssn": "x", "data": []any{map[string]any{"ssn": "y", "dob": "z"}}}, props).(map[string]any)
	if _, ok := wrapped["ssn"]; ok {
		t.Fatalf("wrapper level ssn leaked")
	}
	inner := wrapped["data"].([]any)[0].(map[string]any)
	if _, ok := inner["ssn"]; ok || inner["dob"] != "****" {
		t.Fatalf("unexpected inner record: %v", inner)
	}

	// a property named items is resolved, not descended into
	hidden := MaskPayload(map[string]any{"items": []any{map[string]any{"ssn": "y"}}}, []PropertyAccessResult{{Code: "items"}}).(map[string]any)
	if _, ok := hidden["items"]; ok {
		t.Fatalf("unreadable items property should be removed")
	}
}
