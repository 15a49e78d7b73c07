package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (m *mockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(m.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	msg := m.msgs[0]
	m.msgs = m.msgs[1:]
	return msg, nil
}

func (m *mockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		m.committed = append(m.committed, msg.Offset)
	}
	return nil
}

func (m *mockReader) Close() error { return nil }

type job struct {
	Name string `json:"name"`
}

func TestFetchCommit(t *testing.T) {
	r := &mockReader{msgs: []kafka.Message{
		{Offset: 1, Key: []byte("k1"), Value: []byte(`{"name":"a"}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"name":"c"}`)},
	}}
	c := &Consumer[job]{reader: r}
	ctx := context.Background()

	m, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Payload.Name)
	assert.Equal(t, []byte("k1"), m.Key)
	assert.Empty(t, r.committed)
	require.NoError(t, c.Commit(ctx, m))

	_, err = c.Fetch(ctx)
	assert.ErrorIs(t, err, ErrBadMessage)
	assert.Equal(t, []int64{1, 2}, r.committed)

	j, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", j.Name)
	assert.Equal(t, []int64{1, 2, 3}, r.committed)

	_, err = c.Read(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}
