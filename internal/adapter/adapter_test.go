package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommunityRoutes(t *testing.T) {
	a := Community()
	require.Equal(t, ModeCommunity, a.Mode())
	require.Equal(t, "/communities/chat/groups/hub-1/messages/", a.ListMessages("hub-1"))
	require.Equal(t, "/communities/chat/groups/hub-1/messages/?cursor=a%2Bb%3D", a.ListMessagesOlder("hub-1", "a+b="))
	require.Equal(t, "/communities/chat/messages/m9/edit/", a.Edit("m9"))
	require.Equal(t, "/communities/chat/messages/m9/", a.DeleteForEveryone("m9"))
	require.Equal(t, "/communities/chat/uploads/", a.Upload())
	require.Equal(t, "/ws/community-chat/hub-1/", a.WSPath("hub-1"))
	require.Equal(t, "/ws/community-chat/hub-1/typing/", a.WSTypingPath("hub-1"))
	require.Empty(t, a.MarkSeenBatch())
}

func TestPrivateRoutes(t *testing.T) {
	a := Private()
	require.Equal(t, "/communities/private/chat/conversations/c1/messages/", a.SendMessage("c1"))
	require.Equal(t, "/communities/private/chat/messages/seen/batch/", a.MarkSeenBatch())
	require.Equal(t, "/communities/private/chat/messages/delivered/batch/", a.MarkDeliveredBatch())
	require.Equal(t, "/ws/private-chat/c1/presence/", a.WSPresencePath("c1"))
}

func TestCapabilities(t *testing.T) {
	require.True(t, Private().Capabilities().Has(CapE2EE))
	require.False(t, Community().Capabilities().Has(CapE2EE))
	require.True(t, Community().Capabilities().Has(CapEmergencyAlerts))
	require.False(t, Private().Capabilities().Has(CapEmergencyAlerts))

	require.NoError(t, Require(Community(), CapReactions))
	require.ErrorIs(t, Require(Community(), CapE2EE), ErrUnsupported)

	set := NewCapabilitySet(CapTyping, CapReactions)
	require.Equal(t, "reactions,typing", set.String())
}

func TestForThreadType(t *testing.T) {
	a, err := ForThreadType("private")
	require.NoError(t, err)
	require.Equal(t, ModePrivate, a.Mode())

	_, err = ForThreadType("group")
	require.Error(t, err)
}
