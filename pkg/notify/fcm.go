// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// DefaultFCMEndpoint is the legacy Firebase Cloud Messaging HTTP API.
const DefaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMSender sends notifications via Firebase Cloud Messaging.
type FCMSender struct {
	serverKey string
	endpoint  string
	client    *http.Client
}

// NewFCMSender creates an FCMSender authenticating with serverKey.
func NewFCMSender(serverKey, endpoint string, timeout time.Duration) *FCMSender {
	if endpoint == "" {
		endpoint = DefaultFCMEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FCMSender{
		serverKey: serverKey,
		endpoint:  endpoint,
		client:    &http.Client{Timeout: timeout},
	}
}

// Name returns "fcm".
func (s *FCMSender) Name() string {
	return "fcm"
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send sends req to FCM.
func (s *FCMSender) Send(ctx context.Context, req Request) (Result, error) {
	if req.Token == "" {
		return Result{}, deliveryError(s.Name(), req.Token, "", errors.New("No token"))
	}

	reqMap := map[string]interface{}{
		"to": req.Token,
		"notification": map[string]string{
			"title": req.Title,
			"body":  req.Body,
		},
	}
	if len(req.Data) > 0 {
		reqMap["data"] = req.Data
	}

	body, err := json.Marshal(reqMap)
	if err != nil {
		return Result{}, errors.Wrap(err, "Encode fcm message")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "Create fcm request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "key="+s.serverKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{}, deliveryError(s.Name(), req.Token, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Result{}, deliveryError(s.Name(), req.Token, "InvalidCredentials", errors.New("server key rejected"))
	}
	if resp.StatusCode >= 400 {
		return Result{}, deliveryError(s.Name(), req.Token, "", errors.Errorf("received status %d", resp.StatusCode))
	}

	var fcmResp fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&fcmResp); err != nil {
		return Result{}, deliveryError(s.Name(), req.Token, "", errors.Wrap(err, "Decode fcm response"))
	}
	if len(fcmResp.Results) == 0 {
		return Result{}, deliveryError(s.Name(), req.Token, "", errors.New("fcm returned no results"))
	}

	res := fcmResp.Results[0]
	if res.Error != "" {
		return Result{}, deliveryError(s.Name(), req.Token, res.Error, nil)
	}

	return Result{
		Token:     req.Token,
		Provider:  s.Name(),
		MessageID: res.MessageID,
	}, nil
}
