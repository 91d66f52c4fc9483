package board

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamConn_PeerCloseMarksLost(t *testing.T) {
	host, peer := net.Pipe()
	capture := testutils.NewLogCapture()
	conn := NewStreamConn("cable", host, capture.Logger)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })

	require.NoError(t, peer.Close())

	select {
	case <-conn.Lost():
	case <-time.After(time.Second):
		require.FailNow(t, "stream not marked lost after peer close")
	}
	assert.ErrorIs(t, conn.Send(context.Background(), []byte{1}), link.ErrConnectionLost)
	assert.Eventually(t, func() bool {
		out := capture.String()
		return strings.Contains(out, "Stream reader stopped") && strings.Contains(out, "goroutine=cable-reader")
	}, time.Second, 5*time.Millisecond)
}
