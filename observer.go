package xmq

import (
	"unicode/utf8"

	"github.com/trickstertwo/xlog"
)

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	switch e.Type {
	case PublishDone:
		if e.Err != nil {
			o.Logger.Warn().
				Str("destination", e.Destination).
				Str("key", e.Key).
				Str("mode", e.Mode).
				Str("outcome", e.Outcome).
				Err(e.Err).
				Msg("xmq: publish failed")
			return
		}
		o.Logger.Debug().
			Str("destination", e.Destination).
			Str("key", e.Key).
			Str("mode", e.Mode).
			Str("outcome", e.Outcome).
			Dur("duration", e.Duration).
			Msg("xmq: published")
	case Error, Nack:
		o.Logger.Warn().
			Str("type", string(e.Type)).
			Str("topic", e.Topic).
			Str("group", e.Group).
			Str("key", e.Key).
			Str("message_id", e.MessageID).
			Err(e.Err).
			Msg("xmq event")
	case PublishStart, ConsumeStart:
		// the matching *_done event carries everything worth logging
	default:
		ev := o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("topic", e.Topic).
			Str("group", e.Group).
			Str("key", e.Key).
			Str("message_id", e.MessageID)
		if e.Duration > 0 {
			ev = ev.Dur("duration", e.Duration)
		}
		ev.Msg("xmq event")
	}
}

// outcomeLogMax bounds the outcome string attached to publish events.
const outcomeLogMax = 256

func truncateString(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s[:maxBytes])
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}
