package models

// SendMessageRequest queues an application payload on a station. Exactly
// one of Text or Data is set; Data travels base64 encoded in JSON.
type SendMessageRequest struct {
	Text string `json:"text,omitempty" validate:"max=255"`
	Data []byte `json:"data,omitempty" validate:"max=255"`
}

// Payload returns the bytes to put on air
func (r *SendMessageRequest) Payload() []byte {
	if len(r.Data) > 0 {
		return r.Data
	}
	return []byte(r.Text)
}

// SendMessageResponse acknowledges a queued payload
type SendMessageResponse struct {
	Queued     bool   `json:"queued"`
	Bytes      int    `json:"bytes"`
	QueueDepth int    `json:"queueDepth"`
	Error      string `json:"error,omitempty"`
}
