// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestExpoSender(t *testing.T) {
	var gotAuth string
	var gotMSG expoMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotMSG)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"status":"ok","id":"ticket-1"}}`)
	}))
	defer srv.Close()

	sender := NewExpoSender(srv.URL, "secret", time.Second)
	result, err := sender.Send(context.Background(), Request{
		Title: "Hola",
		Body:  "Mundo",
		Token: "ExponentPushToken[abc]",
	})
	if err != nil {
		t.Fatalf("Send: %s", err)
	}

	wantResult := Result{Token: "ExponentPushToken[abc]", Provider: "expo", MessageID: "ticket-1"}
	if !reflect.DeepEqual(wantResult, result) {
		t.Errorf("Result: wanted %+v; got %+v", wantResult, result)
	}
	wantMSG := expoMessage{To: "ExponentPushToken[abc]", Title: "Hola", Body: "Mundo", Sound: "default"}
	if !reflect.DeepEqual(wantMSG, gotMSG) {
		t.Errorf("Request: wanted %+v; got %+v", wantMSG, gotMSG)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization header: %q", gotAuth)
	}
}

func TestExpoSenderTicketError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"status":"error","message":"not a registered push token","details":{"error":"DeviceNotRegistered"}}]}`)
	}))
	defer srv.Close()

	_, err := NewExpoSender(srv.URL, "", time.Second).Send(context.Background(), Request{Token: "abc"})
	var delivErr *DeliveryError
	if !errors.As(err, &delivErr) {
		t.Fatalf("Send returned %v; wanted a *DeliveryError", err)
	}
	if delivErr.Code != "DeviceNotRegistered" || !delivErr.Fatal() {
		t.Errorf("Unexpected delivery error: %+v", delivErr)
	}
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("Delivery error does not match ErrDeliveryFailed")
	}
}

func TestExpoSenderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"errors":[{"code":"INTERNAL","message":"try later"}]}`)
	}))
	defer srv.Close()

	_, err := NewExpoSender(srv.URL, "", time.Second).Send(context.Background(), Request{Token: "abc"})
	var delivErr *DeliveryError
	if !errors.As(err, &delivErr) || delivErr.Fatal() {
		t.Errorf("Send returned %v; wanted a transient *DeliveryError", err)
	}
}

func TestFCMSender(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{"success":1,"failure":0,"results":[{"message_id":"0:123"}]}`)
	}))
	defer srv.Close()

	result, err := NewFCMSender("key123", srv.URL, time.Second).Send(context.Background(), Request{
		Title: "t",
		Body:  "b",
		Token: "device",
		Data:  map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Send: %s", err)
	}
	if result.MessageID != "0:123" || result.Provider != "fcm" {
		t.Errorf("Unexpected result: %+v", result)
	}
	if gotAuth != "key=key123" {
		t.Errorf("Authorization header: %q", gotAuth)
	}
	if gotBody["to"] != "device" {
		t.Errorf("Request was not addressed to the token: %v", gotBody)
	}
}

func TestFCMSenderResultError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`)
	}))
	defer srv.Close()

	_, err := NewFCMSender("key", srv.URL, time.Second).Send(context.Background(), Request{Token: "device"})
	var delivErr *DeliveryError
	if !errors.As(err, &delivErr) || delivErr.Code != "NotRegistered" || !delivErr.Fatal() {
		t.Errorf("Send returned %v; wanted a fatal NotRegistered error", err)
	}
}

func TestLogSender(t *testing.T) {
	result, err := (&LogSender{Log: log}).Send(context.Background(), Request{Token: "abc"})
	if err != nil {
		t.Fatalf("Send: %s", err)
	}
	if result.MessageID == "" || result.Provider != "log" {
		t.Errorf("Unexpected result: %+v", result)
	}
}
