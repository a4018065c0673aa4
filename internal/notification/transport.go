package notification

import "context"

// Envelope is a rendered message and its SMTP-level addressing
type Envelope struct {
	From string
	To   []string
	Data []byte
}

// Transport delivers rendered messages. Send returns the number of recipients
// the server accepted; a nil error with zero accepted is treated as failure.
type Transport interface {
	Send(ctx context.Context, env Envelope) (int, error)
	Noop(ctx context.Context) error
	String() string
}
