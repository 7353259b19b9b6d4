package types

import "time"

type ReceiveOptions struct {
	BatchSize         int
	VisibilityTimeout int
	WaitTimeSeconds   int
}

type SendOptions struct {
	Attributes map[string]string
}

// RawMessage is one delivery handed out by a transport.
type RawMessage struct {
	MessageId               string
	ReceiptHandle           string
	Body                    string
	Attributes              map[string]string
	ReceivedAt              time.Time
	ApproximateReceiveCount int
}

func (m RawMessage) Attribute(name string) (string, bool) {
	if m.Attributes == nil {
		return "", false
	}
	v, ok := m.Attributes[name]
	return v, ok
}
