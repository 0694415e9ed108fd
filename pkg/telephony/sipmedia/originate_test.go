package sipmedia

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOutboundInviteForTargetUsesDomain(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "bridge", "+33100000000", "", []byte("sdp"))
	require.NoError(t, err)

	assert.Equal(t, "+33100000000", invite.Recipient.User)
	assert.Equal(t, "sip.example.com", invite.Recipient.Host)
	assert.Equal(t, "sdp", string(invite.Body()))

	from := invite.From()
	require.NotNil(t, from)
	assert.Equal(t, "bridge", from.Address.User)
	_, hasTag := from.Params.Get("tag")
	assert.True(t, hasTag)

	require.NotNil(t, invite.CallID())
	require.NotNil(t, invite.CSeq())
	assert.Equal(t, sip.INVITE, invite.CSeq().MethodName)
}

func TestBuildOutboundInviteForTargetDefaultsFromToUsername(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "bridge", "+33100000000", "", []byte("sdp"))
	require.NoError(t, err)
	assert.Equal(t, "bridge", invite.From().Address.User)
}

func TestBuildOutboundInviteForTargetWithoutDomain(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("", "bridge", "+33100000000", "+33199999999", []byte("sdp"))
	require.NoError(t, err)
	assert.Equal(t, "+33100000000", invite.Recipient.Host)
	assert.Empty(t, invite.Recipient.User)
	assert.Equal(t, "+33199999999", invite.From().Address.User)
}

func TestBuildCancelRequestCopiesDialogHeaders(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "bridge", "+33100000000", "+33199999999", []byte("sdp"))
	require.NoError(t, err)

	cancel := buildCancelRequest(invite)

	assert.Equal(t, invite.Recipient.String(), cancel.Recipient.String())
	require.NotNil(t, cancel.CallID())
	assert.Equal(t, invite.CallID().Value(), cancel.CallID().Value())
	require.NotNil(t, cancel.From())
	assert.Equal(t, invite.From().Address.User, cancel.From().Address.User)
	require.NotNil(t, cancel.CSeq())
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
}
