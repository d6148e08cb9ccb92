// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogSender only logs notifications.
// It is used when no push provider credentials are configured.
type LogSender struct {
	Log *logrus.Logger
}

// Name returns "log".
func (s *LogSender) Name() string {
	return "log"
}

// Send logs req, and returns a generated message ID.
func (s *LogSender) Send(ctx context.Context, req Request) (Result, error) {
	id := uuid.NewString()
	if s.Log != nil {
		s.Log.WithFields(logrus.Fields{
			"token":      req.Token,
			"title":      req.Title,
			"body":       req.Body,
			"message_id": id,
		}).Info("Push notification (not sent; no provider configured)")
	}
	return Result{
		Token:     req.Token,
		Provider:  s.Name(),
		MessageID: id,
	}, nil
}
