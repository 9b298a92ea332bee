package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/server"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "migrate", "submit", "token"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	up, _, err := root.Find([]string{"migrate", "up"})
	require.NoError(t, err)
	assert.Equal(t, "up", up.Name())
}

func TestTokenCmd_IssuesVerifiableToken(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LENDING_POOL_OWNER", uuid.NewString())
	t.Setenv("LENDING_POOL_ORACLE", uuid.NewString())
	t.Setenv("LENDING_SERVER_JWT_SECRET", "s3cret")

	id := uuid.New()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", id.String(), "--ttl", "1m"})
	require.NoError(t, root.Execute())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out.String()))
	got, err := server.NewAuthenticator("s3cret", "lendledger").Identity(req)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestTokenCmd_RequiresSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LENDING_POOL_OWNER", uuid.NewString())
	t.Setenv("LENDING_POOL_ORACLE", uuid.NewString())

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token", uuid.NewString()})
	assert.ErrorContains(t, root.Execute(), "jwt_secret")
}

func output(seq int64) core.CoreOutput {
	return core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: seq}}
}

func TestFanOut_PublishIsBestEffort(t *testing.T) {
	in := make(chan core.CoreOutput, 3)
	durable := make(chan core.CoreOutput, 3)
	publish := make(chan core.CoreOutput, 1)

	for seq := int64(1); seq <= 3; seq++ {
		in <- output(seq)
	}
	close(in)
	require.NoError(t, fanOut(context.Background(), in, durable, publish, nil))

	var got []int64
	for out := range durable {
		got = append(got, out.Envelope.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3}, got, "every output reaches persistence")

	var published []int64
	for out := range publish {
		published = append(published, out.Envelope.Sequence)
	}
	assert.Equal(t, []int64{1}, published, "publish drops when full")
}

func TestFanOut_WithoutPublisher(t *testing.T) {
	in := make(chan core.CoreOutput, 1)
	durable := make(chan core.CoreOutput, 1)
	in <- output(7)
	close(in)

	require.NoError(t, fanOut(context.Background(), in, durable, nil, nil))
	assert.Equal(t, int64(7), (<-durable).Envelope.Sequence)
	_, open := <-durable
	assert.False(t, open)
}
