package xmq

import "strings"

// Delimiter separates topic and tag in a wire destination. It may not appear in
// either part.
const Delimiter = ":"

// Destination names a logical message stream: a topic plus an optional tag.
type Destination struct {
	Topic string
	Tag   string
}

// To is shorthand for Destination{Topic: topic, Tag: tag}.
func To(topic string, tag ...string) Destination {
	d := Destination{Topic: topic}
	if len(tag) > 0 {
		d.Tag = tag[0]
	}
	return d
}

// Validate reports contract violations before any network call.
func (d Destination) Validate() error {
	if strings.TrimSpace(d.Topic) == "" {
		return validationError("destination.topic", "must not be empty")
	}
	if strings.Contains(d.Topic, Delimiter) {
		return validationError("destination.topic", "must not contain "+Delimiter)
	}
	if strings.Contains(d.Tag, Delimiter) {
		return validationError("destination.tag", "must not contain "+Delimiter)
	}
	return nil
}

// String renders the wire form without validating.
func (d Destination) String() string {
	if d.Tag == "" {
		return d.Topic
	}
	return d.Topic + Delimiter + d.Tag
}

// BuildDestination returns topic when tag is empty and topic:tag otherwise.
func BuildDestination(topic, tag string) (string, error) {
	d := Destination{Topic: topic, Tag: tag}
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d.String(), nil
}

// ParseDestination splits a wire destination back into topic and tag.
func ParseDestination(s string) (Destination, error) {
	topic, tag, _ := strings.Cut(s, Delimiter)
	d := Destination{Topic: topic, Tag: tag}
	if err := d.Validate(); err != nil {
		return Destination{}, err
	}
	return d, nil
}
