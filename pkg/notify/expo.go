// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// DefaultExpoEndpoint is Expo's push API.
const DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"

// ExpoSender sends notifications through the Expo push service,
// which is what the mobile client registers its tokens with.
type ExpoSender struct {
	endpoint    string
	accessToken string
	client      *http.Client
}

// NewExpoSender creates an ExpoSender.
// If endpoint is empty, DefaultExpoEndpoint is used.
// accessToken is only needed when the Expo project has enhanced push security enabled.
func NewExpoSender(endpoint, accessToken string, timeout time.Duration) *ExpoSender {
	if endpoint == "" {
		endpoint = DefaultExpoEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExpoSender{
		endpoint:    endpoint,
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

// Name returns "expo".
func (s *ExpoSender) Name() string {
	return "expo"
}

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type expoResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send sends req to Expo, and returns the push ticket ID.
func (s *ExpoSender) Send(ctx context.Context, req Request) (Result, error) {
	if req.Token == "" {
		return Result{}, deliveryError(s.Name(), req.Token, "", errors.New("No token"))
	}

	body, err := json.Marshal(expoMessage{
		To:    req.Token,
		Title: req.Title,
		Body:  req.Body,
		Data:  req.Data,
		Sound: "default",
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "Encode expo message")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "Create expo request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if s.accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{}, deliveryError(s.Name(), req.Token, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, deliveryError(s.Name(), req.Token, "", err)
	}

	var expoResp expoResponse
	if err := json.Unmarshal(raw, &expoResp); err != nil {
		return Result{}, deliveryError(s.Name(), req.Token, "", fmt.Errorf("received status %d: %w", resp.StatusCode, err))
	}
	if len(expoResp.Errors) > 0 {
		return Result{}, deliveryError(s.Name(), req.Token, expoResp.Errors[0].Code, errors.New(expoResp.Errors[0].Message))
	}
	if resp.StatusCode >= 400 {
		return Result{}, deliveryError(s.Name(), req.Token, "", errors.Errorf("received status %d", resp.StatusCode))
	}

	// A single message gets a single ticket, but Expo may still wrap it in a list.
	var ticket expoTicket
	if err := json.Unmarshal(expoResp.Data, &ticket); err != nil {
		var tickets []expoTicket
		if err := json.Unmarshal(expoResp.Data, &tickets); err != nil || len(tickets) == 0 {
			return Result{}, deliveryError(s.Name(), req.Token, "", errors.New("No push ticket in response"))
		}
		ticket = tickets[0]
	}

	if ticket.Status != "ok" {
		return Result{}, deliveryError(s.Name(), req.Token, ticket.Details.Error, errors.New(ticket.Message))
	}

	return Result{
		Token:     req.Token,
		Provider:  s.Name(),
		MessageID: ticket.ID,
	}, nil
}
