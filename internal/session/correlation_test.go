package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/pkg/ws"
)

func TestPendingResolveDeliversResponse(t *testing.T) {
	p := newPendingRequests()
	ch := p.Add("r1", time.Minute)

	p.Resolve(ws.RunnerResponseFrame{Type: ws.TypeRunnerResponse, RequestID: "r1", OK: true})

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.True(t, res.Resp.OK)
	case <-time.After(time.Second):
		t.Fatal("response not delivered")
	}
	assert.Equal(t, 0, p.Len())
}

func TestPendingTimeoutIsTyped(t *testing.T) {
	p := newPendingRequests()
	ch := p.Add("r1", 10*time.Millisecond)

	select {
	case res := <-ch:
		require.Error(t, res.Err)
		assert.True(t, apperr.Is(res.Err, apperr.KindTimeout))
	case <-time.After(time.Second):
		t.Fatal("timeout not delivered")
	}
}

func TestPendingLateResponseIgnored(t *testing.T) {
	p := newPendingRequests()
	ch := p.Add("r1", 10*time.Millisecond)
	<-ch

	// A response arriving after the timeout must not panic or block.
	p.Resolve(ws.RunnerResponseFrame{RequestID: "r1", OK: true})
	assert.Equal(t, 0, p.Len())
}

func TestPendingFailAllOnDisconnect(t *testing.T) {
	p := newPendingRequests()
	ch1 := p.Add("r1", time.Minute)
	ch2 := p.Add("r2", time.Minute)

	p.FailAll("runner disconnected")

	for _, ch := range []<-chan requestResult{ch1, ch2} {
		select {
		case res := <-ch:
			require.Error(t, res.Err)
			assert.True(t, apperr.Is(res.Err, apperr.KindUpstream))
		case <-time.After(time.Second):
			t.Fatal("failure not delivered")
		}
	}
	assert.Equal(t, 0, p.Len())
}
