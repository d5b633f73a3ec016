package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/store"
	"github.com/rbaliyan/relay/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMbox = "From alice@example.com Mon Mar  2 10:00:00 2026\n" +
	"From: Alice <alice@example.com>\n" +
	"To: support@acme.test\n" +
	"Subject: First\n" +
	"Message-Id: <first@example.com>\n" +
	"\n" +
	"Your code is 123456\n" +
	"\n" +
	"From bob@example.com Mon Mar  2 11:00:00 2026\n" +
	"From: bob@example.com\n" +
	"To: Support <support@acme.test>, other@acme.test\n" +
	"Subject: Second\n" +
	"\n" +
	"Hello\n" +
	"\n" +
	"From nobody Mon Mar  2 12:00:00 2026\n" +
	"From: nobody@example.com\n" +
	"Subject: No recipient\n" +
	"\n" +
	"lost\n"

func newImportService(t *testing.T) (relay.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	svc, err := relay.NewService(
		relay.WithStore(st),
		relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	require.NoError(t, svc.Connect(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, st
}

func TestImportMbox(t *testing.T) {
	svc, st := newImportService(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	res, err := importMbox(ctx, strings.NewReader(testMbox), svc, "", logger)
	require.NoError(t, err)
	assert.Equal(t, importResult{Received: 2, Skipped: 1}, res)

	msgs, err := st.FindMessages(ctx, store.MessageFilter{Direction: store.DirectionInbound})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, store.StatusReceived, m.Status)
		assert.NotEmpty(t, m.RawContent)
		assert.NotEmpty(t, m.ProviderMessageID)
	}

	byID, err := st.GetMessageByProviderID(ctx, "first@example.com")
	require.NoError(t, err)
	assert.Equal(t, "First", byID.Subject)

	// Re-importing maps every message onto the one already recorded.
	_, err = importMbox(ctx, strings.NewReader(testMbox), svc, "", logger)
	require.NoError(t, err)
	msgs, err = st.FindMessages(ctx, store.MessageFilter{Direction: store.DirectionInbound})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestImportMboxInboxOverride(t *testing.T) {
	svc, st := newImportService(t)
	ctx := context.Background()

	res, err := importMbox(ctx, strings.NewReader(testMbox), svc, "archive@acme.test",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Received)

	msgs, err := st.FindMessages(ctx, store.MessageFilter{InboxID: relay.InboxID("archive@acme.test")})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestInboundFromRawWithoutMessageID(t *testing.T) {
	raw := []byte("From: a@example.com\r\nTo: b@acme.test\r\nSubject: Hi\r\n\r\nbody\r\n")
	a, err := inboundFromRaw(raw, "")
	require.NoError(t, err)
	b, err := inboundFromRaw(raw, "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.ProviderMessageID, "mbox-"))
	assert.Equal(t, a.ProviderMessageID, b.ProviderMessageID)
	assert.Equal(t, "b@acme.test", a.To)
	assert.Equal(t, "Hi", a.Subject)
}
