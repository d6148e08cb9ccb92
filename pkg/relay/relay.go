// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package relay rebroadcasts messages from one client to every connected client,
// and hands notification payloads to a notifier.
package relay

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/notify"
)

// A Notifier accepts notification requests without waiting for them to be delivered.
// *notify.Dispatcher is a Notifier.
type Notifier interface {
	Submit(req notify.Request) error
}

// SendError is reported when a message could not be sent to a channel.
type SendError struct {
	ChannelID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("Send to channel %s: %s", e.ChannelID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Err
}

// Cause returns the underlying error, for github.com/pkg/errors.
func (e *SendError) Cause() error {
	return e.Err
}

// Relay fans messages out to every channel in a registry.
type Relay struct {
	Registry *Registry

	// Notifier receives notifications derived from messages carrying a device token.
	// If nil, no notifications are sent.
	Notifier Notifier

	// Ack is sent back to the sender of every message.
	// If empty, no acknowledgement is sent.
	Ack string

	// BroadcastPrefix is prepended to relayed messages.
	BroadcastPrefix string

	// ExcludeSender stops messages from being relayed back to their sender.
	// By default, senders receive their own broadcasts.
	ExcludeSender bool

	// NotificationTitle is used for notifications whose payload has no title.
	NotificationTitle string

	Log *logrus.Logger
}

// New creates a relay over reg with the default acknowledgement and broadcast prefix.
func New(reg *Registry, notifier Notifier, log *logrus.Logger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{
		Registry:          reg,
		Notifier:          notifier,
		Ack:               DefaultAck,
		BroadcastPrefix:   DefaultBroadcastPrefix,
		NotificationTitle: DefaultNotificationTitle,
		Log:               log,
	}
}

// OnInboundMessage handles one message received from source.
// The sender is acknowledged, the message is broadcast,
// and if it carries a device token a notification is submitted.
// None of these steps wait on the network.
func (r *Relay) OnInboundMessage(source Channel, payload []byte) {
	log := r.Log.WithField("channel_id", source.ID())
	log.WithField("payload", string(payload)).Debug("Message received")

	if r.Ack != "" {
		if err := source.Send([]byte(r.Ack)); err != nil {
			log.WithField("error", err).Warn("Cannot acknowledge message")
		}
	}

	r.Broadcast(payload, source)
	r.notify(log, payload)
}

// Broadcast sends payload, with the broadcast prefix, to every registered channel.
// If ExcludeSender is set, source is skipped; source may be nil.
// A channel that can't be sent to is deregistered and closed; the others still get the message.
func (r *Relay) Broadcast(payload []byte, source Channel) {
	msg := make([]byte, 0, len(r.BroadcastPrefix)+len(payload))
	msg = append(msg, r.BroadcastPrefix...)
	msg = append(msg, payload...)

	snapshot := r.Registry.Snapshot()
	r.Registry.countRelayed()
	for _, dest := range snapshot {
		if r.ExcludeSender && source != nil && dest.ID() == source.ID() {
			continue
		}
		if err := dest.Send(msg); err != nil {
			r.dropChannel(dest, &SendError{ChannelID: dest.ID(), Err: err})
		}
	}
}

// dropChannel removes a channel that failed to receive a message.
func (r *Relay) dropChannel(c Channel, err *SendError) {
	log := r.Log.WithFields(logrus.Fields{
		"channel_id": c.ID(),
		"error":      err,
	})
	if !r.Registry.Deregister(c) {
		// Already on its way out.
		log.Debug("Send failed to a channel that is no longer registered")
		return
	}
	log.Warn("Send failed; dropping channel")
	if closeErr := c.Close("send failed"); closeErr != nil {
		log.WithField("close_error", closeErr).Debug("Error closing dropped channel")
	}
}

func (r *Relay) notify(log *logrus.Entry, payload []byte) {
	if r.Notifier == nil {
		return
	}
	req, ok, err := notificationFromPayload(payload, r.NotificationTitle)
	if err != nil {
		// Not every message is structured; that's fine.
		log.WithField("error", err).Debug("Payload is not a notification")
		return
	}
	if !ok {
		return
	}

	if err := r.Notifier.Submit(req); err != nil {
		log.WithFields(logrus.Fields{
			"token": req.Token,
			"error": err,
		}).Error("Cannot queue push notification")
		return
	}
	log.WithField("token", req.Token).Debug("Push notification queued")
}
