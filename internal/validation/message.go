package validation

import (
	"fmt"

	"github.com/lorawan-server/lora-linkctl/internal/models"
)

// ValidateMessage checks a send request and returns its payload
func (v *Validator) ValidateMessage(req *models.SendMessageRequest) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalid)
	}
	if err := v.Validate(req); err != nil {
		return nil, err
	}
	switch {
	case req.Text != "" && len(req.Data) > 0:
		return nil, fmt.Errorf("%w: text and data are mutually exclusive", ErrInvalid)
	case req.Text == "" && len(req.Data) == 0:
		return nil, fmt.Errorf("%w: text or data is required", ErrInvalid)
	}
	return req.Payload(), nil
}
