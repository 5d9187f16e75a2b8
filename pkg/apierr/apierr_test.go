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

package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestKindHTTPStatus_Mapping(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindInvalidColumn, http.StatusBadRequest},
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindStreamNotFound, http.StatusNotFound},
		{KindViewNotFound, http.StatusNotFound},
		{KindTableNotFound, http.StatusNotFound},
		{KindRowNotFound, http.StatusNotFound},
		{KindLimitExceeded, http.StatusTooManyRequests},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unrecognized"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestError_ErrorString(t *testing.T) {
	e := New(KindValidation, "bad field")
	if e.Error() != "VALIDATION_ERROR: bad field" {
		t.Errorf("got %q", e.Error())
	}
	bare := &Error{Kind: KindInternal}
	if bare.Error() != "INTERNAL_ERROR" {
		t.Errorf("got %q", bare.Error())
	}
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("db timeout")
	e := Wrap(KindInternal, "failed", cause)
	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestNotFound_BuildsMessage(t *testing.T) {
	e := NotFound(KindStreamNotFound, "stream")
	if e.Message != "stream not found" || e.Kind != KindStreamNotFound {
		t.Errorf("got %+v", e)
	}
}

func TestToEnvelope_TypedError(t *testing.T) {
	err := New(KindRateLimit, "too fast")
	env, status := ToEnvelope(err)
	if env.Code != KindRateLimit || env.Error != "too fast" || status != http.StatusTooManyRequests {
		t.Errorf("got env=%+v status=%d", env, status)
	}
}

func TestToEnvelope_UntypedErrorBecomesInternal(t *testing.T) {
	err := errors.New("boom")
	env, status := ToEnvelope(err)
	if env.Code != KindInternal || status != http.StatusInternalServerError {
		t.Errorf("got env=%+v status=%d", env, status)
	}
}
