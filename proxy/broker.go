/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torfreehaven/snowproxy/internal/errors"
)

const (
	pollRequestVersion   = "1.3"
	answerRequestVersion = "1.0"
)

// pollStatus values reported by the broker in response to a poll.
const (
	pollStatusClientMatch = "client match"
	pollStatusNoMatch     = "no match"
)

// sdpPayload mirrors the JSON shape browsers give
// RTCSessionDescriptionInit: {"type": "offer"|"answer", "sdp": "..."}.
type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type pollRequest struct {
	Sid                  string `json:"Sid"`
	Version              string `json:"Version"`
	NAT                  string `json:"NAT"`
	Clients              int    `json:"Clients"`
	AcceptedRelayPattern string `json:"AcceptedRelayPattern,omitempty"`
	Type                 string `json:"Type"`
}

// pollResponse's Offer arrives as a JSON-encoded string containing an
// sdpPayload, not a nested JSON object -- the wire format the real broker
// speaks so old and new client/proxy pairs stay interchangeable.
type pollResponse struct {
	Status   string `json:"Status"`
	Offer    string `json:"Offer,omitempty"`
	NAT      string `json:"NAT,omitempty"`
	RelayURL string `json:"RelayURL,omitempty"`
}

// offer decodes the Offer field's inner JSON, returning ok=false if the
// response carried no offer.
func (r *pollResponse) offer() (sdpPayload, bool, error) {
	if r.Offer == "" {
		return sdpPayload{}, false, nil
	}
	var p sdpPayload
	if err := json.Unmarshal([]byte(r.Offer), &p); err != nil {
		return sdpPayload{}, false, errors.Trace(err)
	}
	return p, true, nil
}

type answerRequest struct {
	Version string `json:"Version"`
	Sid     string `json:"Sid"`
	Answer  string `json:"Answer"`
}

type answerResponse struct {
	Status string `json:"Status"`
}

// BrokerClient speaks the rendezvous server's plain-JSON-over-HTTP protocol:
// POST {baseURL}proxy registers this proxy and, if a client is waiting,
// returns its offer; POST {baseURL}answer delivers this proxy's answer back
// to that client.
type BrokerClient struct {
	baseURL    string
	proxyType  string
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewBrokerClient normalizes rawBrokerURL -- adding a scheme if missing
// (http for localhost, https otherwise) and ensuring a trailing slash -- and
// returns a client ready to poll it.
func NewBrokerClient(rawBrokerURL, proxyType string, logger *logrus.Entry) *BrokerClient {
	return &BrokerClient{
		baseURL:   normalizeBrokerURL(rawBrokerURL),
		proxyType: proxyType,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func normalizeBrokerURL(raw string) string {
	url := raw
	if !strings.Contains(url, "://") {
		if strings.HasPrefix(url, "localhost") || strings.HasPrefix(url, "127.0.0.1") {
			url = "http://" + url
		} else {
			url = "https://" + url
		}
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return url
}

// PollOffer registers sid with the broker and reports its live session
// count (quantized by the caller to reduce signal), accepted relay pattern,
// and NAT type. If a client is currently waiting to be matched, the
// response carries its offer and, optionally, a relay URL override.
func (b *BrokerClient) PollOffer(ctx context.Context, sid, natType string, clients int, acceptedRelayPattern string) (*pollResponse, error) {
	req := pollRequest{
		Sid:                  sid,
		Version:              pollRequestVersion,
		NAT:                  natType,
		Clients:              clients,
		AcceptedRelayPattern: acceptedRelayPattern,
		Type:                 b.proxyType,
	}
	var resp pollResponse
	if err := b.roundTrip(ctx, "proxy", req, &resp); err != nil {
		return nil, errors.Trace(err)
	}
	return &resp, nil
}

// SendAnswer delivers this proxy's SDP answer for sid back to the broker for
// relay to the waiting client.
func (b *BrokerClient) SendAnswer(ctx context.Context, sid, answerSDP string) error {
	answer, err := json.Marshal(sdpPayload{Type: "answer", SDP: answerSDP})
	if err != nil {
		return errors.Trace(err)
	}
	req := answerRequest{
		Version: answerRequestVersion,
		Sid:     sid,
		Answer:  string(answer),
	}
	var resp answerResponse
	if err := b.roundTrip(ctx, "answer", req, &resp); err != nil {
		return errors.Trace(err)
	}
	if resp.Status != "" && resp.Status != "success" {
		return errors.Tracef("broker rejected answer: %s", resp.Status)
	}
	return nil
}

func (b *BrokerClient) roundTrip(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Trace(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Trace(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "snowproxy/"+b.proxyType)

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return errors.Trace(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return errors.Trace(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return errors.Tracef("broker %s returned status %d: %s", path, httpResp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Trace(err)
	}
	return nil
}
