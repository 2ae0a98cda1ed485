package client

import (
	"github.com/driftwire/driftwire/pkg/protocol"
)

// Subscription is the cancel handle returned by Client.Subscribe.
type Subscription struct {
	id     string
	client *Client
}

// ID returns the wire id correlating this subscription's frames.
func (s *Subscription) ID() string {
	return s.id
}

// Data returns a copy of the last applied state and its version.
func (s *Subscription) Data() (map[string]any, int64, bool) {
	return s.client.subs.Data(s.id)
}

// UpdateFields retargets the server-side field filter. The server answers
// with a fresh subscription_ack for the new field set.
func (s *Subscription) UpdateFields(fields protocol.FieldSet) error {
	if err := s.client.writeFrame(protocol.UpdateFields{
		Type:   protocol.TypeUpdateFields,
		ID:     s.id,
		Fields: fields,
	}); err != nil {
		return err
	}
	s.client.subs.SetFields(s.id, fields)
	return nil
}

// Unsubscribe ends the subscription. No observer event fires; the caller
// asked for the teardown.
func (s *Subscription) Unsubscribe() error {
	err := s.client.writeFrame(protocol.Unsubscribe{
		Type: protocol.TypeUnsubscribe,
		ID:   s.id,
	})
	s.client.subs.Remove(s.id)
	return err
}
