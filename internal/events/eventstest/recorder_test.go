package eventstest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-payflow/internal/events"
)

func TestRecorderLimit(t *testing.T) {
	recorder := &Recorder{Limit: 2}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, recorder.Notify(context.Background(), events.Event{Topic: events.TopicPaymentSucceeded, OrderID: id}))
	}
	got := recorder.Events()
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].OrderID)
}
