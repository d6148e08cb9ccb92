// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"encoding/json"

	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/notify"
)

const (
	// DefaultAck is sent back to a client for every message it sends.
	DefaultAck = "Mensaje recibido por el servidor"

	// DefaultBroadcastPrefix is prepended to every relayed message,
	// so clients can tell relayed messages apart from acknowledgements.
	DefaultBroadcastPrefix = "Broadcast: "

	// DefaultNotificationTitle is used when a notification payload has no title.
	DefaultNotificationTitle = "Nuevo mensaje"
)

// notificationFromPayload builds a notification request from payload.
// ok is false if payload isn't a JSON object with a non-empty string token.
// Only the token has to be well formed: title, body, message and data are used
// when they have the expected type, and ignored otherwise.
func notificationFromPayload(payload []byte, defaultTitle string) (req notify.Request, ok bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return notify.Request{}, false, err
	}

	req.Token = stringField(fields, "token")
	if req.Token == "" {
		return notify.Request{}, false, nil
	}

	req.Title = stringField(fields, "title")
	if req.Title == "" {
		req.Title = defaultTitle
	}
	req.Body = stringField(fields, "body")
	if req.Body == "" {
		req.Body = stringField(fields, "message")
	}
	if req.Body == "" {
		req.Body = string(payload)
	}

	var data map[string]json.RawMessage
	if raw, found := fields["data"]; found && json.Unmarshal(raw, &data) == nil {
		for k := range data {
			if v := stringField(data, k); v != "" {
				if req.Data == nil {
					req.Data = make(map[string]string)
				}
				req.Data[k] = v
			}
		}
	}

	return req, true, nil
}

// stringField returns fields[key] if it holds a JSON string, and "" otherwise.
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, found := fields[key]
	if !found {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
