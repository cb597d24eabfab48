package events

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/frigg/pkg/api"
)

func TestSubject(t *testing.T) {
	p := &Publisher{subject: DefaultSubject}
	assert.Equal(t, "frigg.runs.step.finished", p.Subject(api.EventStepFinished))
}

func TestPublishWithoutConnection(t *testing.T) {
	p := &Publisher{subject: DefaultSubject}
	assert.Error(t, p.Publish(context.Background(), api.Event{Event: api.EventReady}))
	p.Close()
}

func TestNewPublisherUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewPublisher("nats://"+addr, "")
	assert.Error(t, err)
}
