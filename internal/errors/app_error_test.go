package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name    string
		appErr  *AppError
		wantMsg string
	}{
		{
			name:    "message only",
			appErr:  &AppError{Message: "something went wrong"},
			wantMsg: "something went wrong",
		},
		{
			name:    "message with wrapped error",
			appErr:  &AppError{Message: "request failed", Err: errors.New("connection refused")},
			wantMsg: "request failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appErr.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	appErr := New(http.StatusBadGateway, CodeUpstreamRefused, "upstream refused", inner)
	if !errors.Is(appErr, inner) {
		t.Fatal("errors.Is should see the wrapped error")
	}
}

func TestAppError_ToJSON(t *testing.T) {
	appErr := NoActiveChannel("no provider selected").WithDetail("hint", "run ccswitch switch")

	var body struct {
		Type  string `json:"type"`
		Error struct {
			Code    string                 `json:"code"`
			Message string                 `json:"message"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(appErr.ToJSON(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Type != "error" {
		t.Errorf("type = %q, want error", body.Type)
	}
	if body.Error.Code != CodeNoActiveChannel {
		t.Errorf("code = %q, want %q", body.Error.Code, CodeNoActiveChannel)
	}
	if body.Error.Details["hint"] != "run ccswitch switch" {
		t.Errorf("details = %v", body.Error.Details)
	}
	if appErr.HTTPStatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", appErr.HTTPStatusCode)
	}
}
