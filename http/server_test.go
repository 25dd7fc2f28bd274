package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	json "github.com/nikkolasg/hexjson"

	"github.com/drand/fairdraw/draw"
	"github.com/drand/fairdraw/engine"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/randomness/mock"
)

func withEngine(t *testing.T) (*engine.Engine, *mock.Provider) {
	t.Helper()

	cl := clock.NewFakeClockAt(time.Unix(1700000000, 0))
	provider := mock.NewProvider(10, 0, cl)
	e, err := engine.NewEngine(provider,
		engine.WithClock(cl),
		engine.WithLogger(log.New(nil, log.DebugLevel, true)),
	)
	require.NoError(t, err)
	provider.Connect(e)
	t.Cleanup(func() {
		require.NoError(t, e.Stop(context.Background()))
	})
	return e, provider
}

func settleRound(t *testing.T, e *engine.Engine, provider *mock.Provider, id string) *draw.Round {
	t.Helper()
	ctx := context.Background()

	_, err := e.Open(ctx, id, draw.Config{})
	require.NoError(t, err)
	_, err = e.Register(ctx, id, "alice", 1, 100)
	require.NoError(t, err)
	_, err = e.Register(ctx, id, "bob", 1, 100)
	require.NoError(t, err)
	_, err = e.Lock(ctx, id)
	require.NoError(t, err)
	round, err := e.RequestDraw(ctx, id, nil, 10)
	require.NoError(t, err)
	require.NoError(t, provider.RevealRandom(ctx, round.Sequence))
	round, err = e.ComputeWinners(ctx, id)
	require.NoError(t, err)
	return round
}

func TestObserverEndpoints(t *testing.T) {
	e, provider := withEngine(t)
	round := settleRound(t, e, provider, "round-http")

	server := httptest.NewServer(New(e, log.New(nil, log.DebugLevel, true)))
	defer server.Close()

	resp, err := http.Get(server.URL + "/rounds")
	require.NoError(t, err)
	var summaries []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, "round-http", summaries[0]["id"])
	require.Equal(t, "Settled", summaries[0]["status"])

	resp, err = http.Get(server.URL + "/rounds/round-http")
	require.NoError(t, err)
	got := new(draw.Round)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(got))
	require.Equal(t, draw.Settled, got.Status)
	require.Equal(t, round.FinalOutcome, got.FinalOutcome)

	resp, err = http.Get(server.URL + "/rounds/round-http/outcome")
	require.NoError(t, err)
	outcome := make(map[string]interface{})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	require.NotEmpty(t, outcome["final_outcome"])

	resp, err = http.Get(server.URL + "/rounds/round-http/winners")
	require.NoError(t, err)
	var winners []draw.Winner
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&winners))
	require.Len(t, winners, 1)
	require.Contains(t, []string{"alice", "bob"}, winners[0].Participant)

	winner := winners[0].Participant
	resp, err = http.Get(fmt.Sprintf("%s/balances/%s", server.URL, winner))
	require.NoError(t, err)
	balance := make(map[string]interface{})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	require.Equal(t, float64(200), balance["owed"])
}

func TestObserverUnknownRound(t *testing.T) {
	e, _ := withEngine(t)

	server := httptest.NewServer(New(e, log.New(nil, log.DebugLevel, true)))
	defer server.Close()

	resp, err := http.Get(server.URL + "/rounds/no-such-round")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// unknown beneficiaries owe zero rather than erroring
	resp, err = http.Get(server.URL + "/balances/nobody")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := make(map[string]interface{})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	require.Equal(t, float64(0), balance["owed"])
}

func TestObserverPendingOutcome(t *testing.T) {
	e, _ := withEngine(t)
	ctx := context.Background()

	_, err := e.Open(ctx, "round-pending", draw.Config{})
	require.NoError(t, err)
	_, err = e.Register(ctx, "round-pending", "alice", 1, 50)
	require.NoError(t, err)

	server := httptest.NewServer(New(e, log.New(nil, log.DebugLevel, true)))
	defer server.Close()

	resp, err := http.Get(server.URL + "/rounds/round-pending/outcome")
	require.NoError(t, err)
	require.Equal(t, http.StatusTooEarly, resp.StatusCode)

	resp, err = http.Get(server.URL + "/rounds/round-pending/winners")
	require.NoError(t, err)
	require.Equal(t, http.StatusTooEarly, resp.StatusCode)
}

func TestRevealAdapter(t *testing.T) {
	e, _ := withEngine(t)
	ctx := context.Background()

	_, err := e.Open(ctx, "round-reveal", draw.Config{})
	require.NoError(t, err)
	_, err = e.Register(ctx, "round-reveal", "alice", 1, 50)
	require.NoError(t, err)
	_, err = e.Lock(ctx, "round-reveal")
	require.NoError(t, err)
	round, err := e.RequestDraw(ctx, "round-reveal", nil, 10)
	require.NoError(t, err)

	server := httptest.NewServer(New(e, log.New(nil, log.DebugLevel, true)))
	defer server.Close()

	body, err := json.Marshal(map[string]interface{}{
		"sequence":          round.Sequence,
		"remote_randomness": []byte("remote-randomness-32-bytes-long!"),
	})
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/reveal", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := e.Round(ctx, "round-reveal")
	require.NoError(t, err)
	require.Equal(t, draw.Fulfilled, got.Status)

	// retries and unknown sequences are accepted, not errors
	resp, err = http.Post(server.URL+"/reveal", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	unknown, err := json.Marshal(map[string]interface{}{
		"sequence":          uint64(424242),
		"remote_randomness": []byte("remote-randomness-32-bytes-long!"),
	})
	require.NoError(t, err)
	resp, err = http.Post(server.URL+"/reveal", "application/json", bytes.NewReader(unknown))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(server.URL+"/reveal", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
