package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerClientPollOfferClientMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/proxy", r.URL.Path)
		assert.Equal(t, "snowproxy/standalone", r.Header.Get("User-Agent"))
		var req pollRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-sid", req.Sid)
		assert.Equal(t, "snowflake.torproject.net", req.AcceptedRelayPattern)

		offer, err := json.Marshal(sdpPayload{Type: "offer", SDP: "v=0..."})
		require.NoError(t, err)
		json.NewEncoder(w).Encode(pollResponse{
			Status: pollStatusClientMatch,
			Offer:  string(offer),
		})
	}))
	defer srv.Close()

	b := NewBrokerClient(srv.URL, "standalone", testLogger())
	resp, err := b.PollOffer(context.Background(), "test-sid", "unknown", 1, "snowflake.torproject.net")
	require.NoError(t, err)
	assert.Equal(t, pollStatusClientMatch, resp.Status)
	offer, ok, err := resp.offer()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v=0...", offer.SDP)
}

func TestBrokerClientPollOfferNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pollResponse{Status: pollStatusNoMatch})
	}))
	defer srv.Close()

	b := NewBrokerClient(srv.URL, "standalone", testLogger())
	resp, err := b.PollOffer(context.Background(), "test-sid", "unknown", 1, "")
	require.NoError(t, err)
	assert.Equal(t, pollStatusNoMatch, resp.Status)
	_, ok, err := resp.offer()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBrokerClientPollOfferUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("broker overloaded"))
	}))
	defer srv.Close()

	b := NewBrokerClient(srv.URL, "standalone", testLogger())
	_, err := b.PollOffer(context.Background(), "test-sid", "unknown", 1, "")
	assert.Error(t, err)
}

func TestBrokerClientSendAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/answer", r.URL.Path)
		var req answerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, answerRequestVersion, req.Version)
		var answer sdpPayload
		require.NoError(t, json.Unmarshal([]byte(req.Answer), &answer))
		assert.Equal(t, "answer", answer.Type)
		json.NewEncoder(w).Encode(answerResponse{Status: "success"})
	}))
	defer srv.Close()

	b := NewBrokerClient(srv.URL, "standalone", testLogger())
	err := b.SendAnswer(context.Background(), "test-sid", "v=0...")
	assert.NoError(t, err)
}

func TestNormalizeBrokerURL(t *testing.T) {
	assert.Equal(t, "https://snowflake-broker.freehaven.net/", normalizeBrokerURL("snowflake-broker.freehaven.net"))
	assert.Equal(t, "http://localhost:8080/", normalizeBrokerURL("localhost:8080"))
	assert.Equal(t, "https://example.com/", normalizeBrokerURL("https://example.com"))
}
