// Second-Layer is a blockchain event streaming service.
// Copyright (C) 2025  Second Layer Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package stream

import (
	"encoding/json"
	"testing"
)

func strp(s string) *string { return &s }

func TestFilterSetValidate_RejectsEmpty(t *testing.T) {
	var fs FilterSet
	if err := fs.Validate(); err == nil {
		t.Fatal("expected an empty filter set to be rejected")
	}
}

func TestFilterSetValidate_RejectsUnknownKind(t *testing.T) {
	fs := FilterSet{{Kind: "not_a_real_kind"}}
	if err := fs.Validate(); err == nil {
		t.Fatal("expected an unknown kind to be rejected")
	}
}

func TestFilterSetValidate_AcceptsEveryKnownKind(t *testing.T) {
	for kind := range validKinds {
		fs := FilterSet{{Kind: kind}}
		if err := fs.Validate(); err != nil {
			t.Errorf("kind %q should be valid, got error: %v", kind, err)
		}
	}
}

func TestFilterSetUnmarshalJSON_RoundTrip(t *testing.T) {
	data := []byte(`[{"kind":"contract_call","contractId":"SP000.foo","functionName":"transfer*"}]`)
	var fs FilterSet
	if err := json.Unmarshal(data, &fs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs) != 1 || fs[0].Kind != FilterContractCall {
		t.Fatalf("got %+v", fs)
	}
	if fs[0].FunctionName == nil || *fs[0].FunctionName != "transfer*" {
		t.Fatalf("functionName not decoded: %+v", fs[0])
	}
}

func TestFilterSetUnmarshalJSON_RejectsUnknownKind(t *testing.T) {
	data := []byte(`[{"kind":"bogus"}]`)
	var fs FilterSet
	if err := json.Unmarshal(data, &fs); err == nil {
		t.Fatal("expected decode to fail on an unknown filter kind")
	}
}

func TestFilterSetUnmarshalJSON_RejectsEmptyArray(t *testing.T) {
	data := []byte(`[]`)
	var fs FilterSet
	if err := json.Unmarshal(data, &fs); err == nil {
		t.Fatal("expected decode to fail on an empty filter array")
	}
}
