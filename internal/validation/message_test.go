package validation

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

func TestValidateMessage(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"text", `{"text":"Hello"}`, "Hello", false},
		{"base64 data", `{"data":"AQID"}`, "\x01\x02\x03", false},
		{"both", `{"text":"a","data":"AQ=="}`, "", true},
		{"neither", `{}`, "", true},
		{"text too long", `{"text":"` + strings.Repeat("x", 256) + `"}`, "", true},
		{"max text", `{"text":"` + strings.Repeat("x", 255) + `"}`, strings.Repeat("x", 255), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req models.SendMessageRequest
			if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, err := v.ValidateMessage(&req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("error = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}
