package jingle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle/pkg/jingle/element"
)

func TestSessionFSM(t *testing.T) {
	var entered []SessionState
	f := newSessionFSM(func(s SessionState) { entered = append(entered, s) })
	ctx := context.Background()

	assert.Equal(t, string(StatePending), f.Current())
	require.NoError(t, f.Event(ctx, evActivate))
	assert.Error(t, f.Event(ctx, evActivate), "ACTIVE -> ACTIVE недопустим")
	require.NoError(t, f.Event(ctx, evClose))
	assert.False(t, f.Can(evClose), "CLOSED терминально")
	assert.Equal(t, []SessionState{StateActive, StateClosed}, entered)
}

func TestContentFSM(t *testing.T) {
	ctx := context.Background()

	t.Run("исходящий content", func(t *testing.T) {
		f := newContentFSM(func(ContentState) {})
		require.NoError(t, f.Event(ctx, evSendLocal))
		require.NoError(t, f.Event(ctx, evRemoteInfo))
		require.NoError(t, f.Event(ctx, evContentOn))
		assert.Equal(t, string(ContentActive), f.Current())
	})

	t.Run("входящий content", func(t *testing.T) {
		f := newContentFSM(func(ContentState) {})
		require.NoError(t, f.Event(ctx, evRemoteInfo))
		assert.False(t, f.Can(evSendLocal))
		require.NoError(t, f.Event(ctx, evContentEnd))
		assert.False(t, f.Can(evContentOn), "terminated не переиспользуется")
	})
}

func TestActionAllowed(t *testing.T) {
	tests := []struct {
		name     string
		action   element.Action
		state    SessionState
		role     Role
		accepted bool
		want     bool
	}{
		{"повторный initiate", element.ActionSessionInitiate, StatePending, RoleResponder, false, false},
		{"accept инициатору", element.ActionSessionAccept, StatePending, RoleInitiator, false, true},
		{"accept отвечающему", element.ActionSessionAccept, StatePending, RoleResponder, false, false},
		{"повторный accept", element.ActionSessionAccept, StatePending, RoleInitiator, true, false},
		{"accept в ACTIVE", element.ActionSessionAccept, StateActive, RoleInitiator, true, false},
		{"terminate в PENDING", element.ActionSessionTerminate, StatePending, RoleResponder, false, true},
		{"content-add в ACTIVE", element.ActionContentAdd, StateActive, RoleResponder, true, true},
		{"transport-info в PENDING", element.ActionTransportInfo, StatePending, RoleInitiator, false, true},
		{"session-info", element.ActionSessionInfo, StateActive, RoleInitiator, true, true},
		{"что угодно в CLOSED", element.ActionSessionInfo, StateClosed, RoleInitiator, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, actionAllowed(tt.action, tt.state, tt.role, tt.accepted))
		})
	}
}

func TestMailbox(t *testing.T) {
	mb := newMailbox[int]()
	assert.True(t, mb.push(1))
	assert.True(t, mb.push(2))
	<-mb.ready()
	assert.Equal(t, []int{1, 2}, mb.drain())

	mb.push(3)
	assert.Equal(t, []int{3}, mb.close())
	assert.False(t, mb.push(4), "закрытая очередь не принимает задачи")
}
