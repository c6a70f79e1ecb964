package xmq

import (
	"fmt"
	"time"
)

// Well-known headers carried next to the body.
const (
	HeaderKeys     = "KEYS"
	HeaderSource   = "SOURCE"
	HeaderSendTime = "SEND_TIME"
	HeaderHashKey  = "HASH_KEY"
	HeaderDelay    = "DELAY_LEVEL"
	// HeaderCodec names the registered codec the body was encoded with.
	HeaderCodec = "CODEC"
)

// Message is the wire unit handed to and received from a Transport.
type Message struct {
	// ID is the broker message identifier, assigned by the transport.
	ID string
	// Key is the envelope key, used for dedup and tracing.
	Key string
	// Topic and Tag are the parsed destination.
	Topic string
	Tag   string
	// Body is the codec-encoded payload.
	Body []byte
	// Headers carry envelope metadata and user headers.
	Headers map[string]string
	// BornAt is when the transport accepted the message.
	BornAt time.Time
	// Partition is the queue the message landed on, -1 when unknown.
	Partition int
	// Attempt counts deliveries of this message to the current group, starting at 1.
	Attempt int
}

// Destination returns the wire destination of the message.
func (m *Message) Destination() string {
	return Destination{Topic: m.Topic, Tag: m.Tag}.String()
}

// Header returns the value for k or "".
func (m *Message) Header(k string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[k]
}

// Clone returns a copy with its own header map.
func (m *Message) Clone() *Message {
	c := *m
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// EncodeEnvelope renders an Outbound as a wire message for dest.
func EncodeEnvelope(c Codec, dest Destination, env Outbound) (*Message, error) {
	body, err := c.Marshal(env.Payload())
	if err != nil {
		return nil, fmt.Errorf("xmq: encode %q: %w", env.Key(), err)
	}
	headers := map[string]string{
		HeaderKeys:     env.Key(),
		HeaderSource:   env.Source(),
		HeaderSendTime: env.SendTime().UTC().Format(time.RFC3339Nano),
		HeaderCodec:    c.Name(),
	}
	return &Message{
		Key:       env.Key(),
		Topic:     dest.Topic,
		Tag:       dest.Tag,
		Body:      body,
		Headers:   headers,
		Partition: -1,
	}, nil
}

// DecodeEnvelope rebuilds a typed envelope from a received message.
func DecodeEnvelope[T any](c Codec, msg *Message) (*Envelope[T], error) {
	var body T
	if err := c.Unmarshal(msg.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	key := msg.Key
	if key == "" {
		key = msg.Header(HeaderKeys)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: message %q carries no key", ErrDecode, msg.ID)
	}
	env := &Envelope[T]{
		key:    key,
		source: msg.Header(HeaderSource),
		body:   body,
	}
	if ts := msg.Header(HeaderSendTime); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.sendTime = t
		}
	}
	return env, nil
}
