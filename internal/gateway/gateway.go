package gateway

import "context"

// Message is one rendered outbound email.
type Message struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
	SenderName string `json:"sender_name"`
}

// Gateway delivers one message to one recipient. Implementations make at
// most one attempt and offer no deduplication; retry and pacing policy
// belong to the caller.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}
