package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	valid := Message{Path: "a.pdf", Batch: "b1", Hash: "h1"}
	assert.NoError(t, valid.Validate())

	for _, m := range []Message{
		{Batch: "b1", Hash: "h1"},
		{Path: "a.pdf", Hash: "h1"},
		{Path: "a.pdf", Batch: "b1"},
		{},
	} {
		assert.Error(t, m.Validate(), "message %+v should be invalid", m)
	}
}

// fakeReader serves a fixed sequence of raw messages, then cancels the
// context to stop the loop.
type fakeReader struct {
	messages  [][]byte
	fetched   int
	committed []int64
	cancel    context.CancelFunc
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.fetched >= len(f.messages) {
		f.cancel()
		return kafka.Message{}, context.Canceled
	}
	msg := kafka.Message{Offset: int64(f.fetched), Value: f.messages[f.fetched]}
	f.fetched++
	return msg, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func encode(t *testing.T, m Message) []byte {
	t.Helper()
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	return payload
}

func TestConsumerRun_HandlesAndCommitsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		messages: [][]byte{
			encode(t, Message{Path: "a.pdf", Batch: "b1", Hash: "h1"}),
			encode(t, Message{Path: "b.pdf", Batch: "b1", Hash: "h2"}),
		},
		cancel: cancel,
	}
	c := newConsumer(reader, nil)

	var handled []string
	err := c.Run(ctx, func(_ context.Context, msg Message) error {
		handled = append(handled, msg.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, handled)
	assert.Equal(t, []int64{0, 1}, reader.committed)
}

func TestConsumerRun_DropsUndecodableMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		messages: [][]byte{
			[]byte("not json"),
			encode(t, Message{Path: "a.pdf", Batch: "b1", Hash: "h1"}),
		},
		cancel: cancel,
	}
	c := newConsumer(reader, nil)

	var handled []string
	err := c.Run(ctx, func(_ context.Context, msg Message) error {
		handled = append(handled, msg.Path)
		return nil
	})
	require.NoError(t, err)

	// Bad message dropped but committed past, good one processed.
	assert.Equal(t, []string{"a.pdf"}, handled)
	assert.Equal(t, []int64{0, 1}, reader.committed)
}

func TestConsumerRun_DropsIncompleteMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		messages: [][]byte{encode(t, Message{Path: "a.pdf"})},
		cancel:   cancel,
	}
	c := newConsumer(reader, nil)

	err := c.Run(ctx, func(_ context.Context, _ Message) error {
		t.Fatal("handler must not run for invalid messages")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, reader.committed)
}

func TestConsumerRun_CommitsAfterHandlerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		messages: [][]byte{encode(t, Message{Path: "a.pdf", Batch: "b1", Hash: "h1"})},
		cancel:   cancel,
	}
	c := newConsumer(reader, nil)

	err := c.Run(ctx, func(_ context.Context, _ Message) error {
		return errors.New("terminal job failure")
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, reader.committed)
}
