package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayload struct {
	Items []string `json:"items"`
}

func (p fakePayload) Empty() bool { return len(p.Items) == 0 }

type fakeCollector struct {
	payload fakePayload
	errs    []string
	panics  bool
}

func (f *fakeCollector) Name() string        { return "fake_agent" }
func (f *fakeCollector) ProfileName() string { return "fake_default" }
func (f *fakeCollector) EmptyData() Payload  { return fakePayload{Items: []string{}} }

func (f *fakeCollector) Collect(ctx context.Context) (Payload, []string) {
	if f.panics {
		panic("upstream client exploded")
	}
	return f.payload, f.errs
}

func TestExecuteSuccess(t *testing.T) {
	c := &fakeCollector{payload: fakePayload{Items: []string{"a", "b"}}}

	env := Execute(context.Background(), c, zerolog.Nop())

	assert.Equal(t, "fake_agent", env.Agent)
	assert.Equal(t, "fake_default", env.Profile)
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Empty(t, env.Meta.Errors)
	assert.False(t, env.Timestamp.IsZero())

	decoded, ok := DecodeData[fakePayload](env)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, decoded.Items)
}

func TestExecutePartial(t *testing.T) {
	c := &fakeCollector{
		payload: fakePayload{Items: []string{"a"}},
		errs:    []string{"source x: timeout"},
	}

	env := Execute(context.Background(), c, zerolog.Nop())

	assert.Equal(t, StatusPartial, env.Status)
	assert.Equal(t, []string{"source x: timeout"}, env.Meta.Errors)
}

func TestExecuteEmptyDataIsError(t *testing.T) {
	c := &fakeCollector{payload: fakePayload{}}

	env := Execute(context.Background(), c, zerolog.Nop())

	assert.Equal(t, StatusError, env.Status)

	decoded, ok := DecodeData[fakePayload](env)
	require.True(t, ok)
	assert.True(t, decoded.Empty())
}

func TestExecuteRecoversPanic(t *testing.T) {
	c := &fakeCollector{panics: true}

	env := Execute(context.Background(), c, zerolog.Nop())

	assert.Equal(t, StatusError, env.Status)
	require.Len(t, env.Meta.Errors, 1)
	assert.Contains(t, env.Meta.Errors[0], "upstream client exploded")

	// Data must equal the agent's empty payload even after a panic.
	decoded, ok := DecodeData[fakePayload](env)
	require.True(t, ok)
	assert.True(t, decoded.Empty())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	c := &fakeCollector{payload: fakePayload{Items: []string{"x"}}}
	env := Execute(context.Background(), c, zerolog.Nop())

	blob, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(blob, &back))

	assert.Equal(t, env.Agent, back.Agent)
	assert.Equal(t, env.Status, back.Status)
	assert.Equal(t, env.Meta.Errors, back.Meta.Errors)
	assert.JSONEq(t, string(env.Data), string(back.Data))
}

func TestDecodeDataNilEnvelope(t *testing.T) {
	decoded, ok := DecodeData[fakePayload](nil)
	assert.False(t, ok)
	assert.True(t, decoded.Empty())
}
