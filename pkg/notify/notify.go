// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package notify turns relayed messages into push notifications,
// and delivers them through an external sender.
package notify

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrDeliveryFailed matches every error returned when a sender could not deliver a notification.
var ErrDeliveryFailed = errors.New("Delivery failed")

// A Request is a single push notification to be delivered to one device.
type Request struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Token string            `json:"token"`
	Data  map[string]string `json:"data,omitempty"`
}

// A Result is returned by a sender when the provider accepted a notification.
type Result struct {
	Token     string `json:"token"`
	Provider  string `json:"provider"`
	MessageID string `json:"message_id"`
}

// A Sender submits notifications to a push delivery provider.
type Sender interface {
	Name() string
	Send(ctx context.Context, req Request) (Result, error)
}

// DeliveryError describes why a provider did not deliver a notification.
type DeliveryError struct {
	Provider string
	Token    string
	// Code is the provider's error code, if it returned one.
	Code string
	Err  error
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s: delivery to %s failed", e.Provider, e.Token)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Cause returns the underlying error, for github.com/pkg/errors.
func (e *DeliveryError) Cause() error {
	return e.Err
}

// Is reports whether target is ErrDeliveryFailed.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// Fatal reports whether the token can never be delivered to, so retrying is pointless.
func (e *DeliveryError) Fatal() bool {
	switch e.Code {
	case "DeviceNotRegistered", "NotRegistered", "InvalidRegistration", "MismatchSenderId", "InvalidCredentials", "MessageTooBig":
		return true
	default:
		return false
	}
}

func deliveryError(provider, token, code string, err error) *DeliveryError {
	return &DeliveryError{
		Provider: provider,
		Token:    token,
		Code:     code,
		Err:      err,
	}
}
