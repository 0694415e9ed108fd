package sipmedia

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeReferTarget(t *testing.T) {
	assert.Equal(t, "sip:+33100000000", normalizeReferTarget("+33100000000"))
	assert.Equal(t, "sip:bob@example.com", normalizeReferTarget("sip:bob@example.com"))
	assert.Equal(t, "tel:+33100000000", normalizeReferTarget("tel:+33100000000"))
}

func TestAppendReferToSetsHeader(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "bridge", "+33100000000", "+33199999999", []byte("sdp"))
	require.NoError(t, err)

	require.NoError(t, appendReferTo(invite, "+33122222222"))

	hdrs := invite.GetHeaders("Refer-To")
	require.Len(t, hdrs, 1)
	assert.Contains(t, hdrs[0].Value(), "+33122222222")
}

func TestAppendReferToRejectsUnparsableTarget(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "bridge", "+33100000000", "+33199999999", []byte("sdp"))
	require.NoError(t, err)

	err = appendReferTo(invite, "sip://::not-a-uri")
	assert.Error(t, err)
}

func TestBuildReverseDialogBYESwapsFromTo(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "caller", "callee", "caller", []byte("sdp"))
	require.NoError(t, err)

	bye := buildReverseDialogBYE(invite)

	require.NotNil(t, bye.From())
	require.NotNil(t, bye.To())
	assert.Equal(t, invite.To().Address.User, bye.From().Address.User)
	assert.Equal(t, invite.From().Address.User, bye.To().Address.User)
	require.NotNil(t, bye.CallID())
	assert.Equal(t, invite.CallID().Value(), bye.CallID().Value())
	require.NotNil(t, bye.CSeq())
	assert.Equal(t, sip.BYE, bye.CSeq().MethodName)
}

func TestBuildReverseDialogREFERIncludesReferTo(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "caller", "callee", "caller", []byte("sdp"))
	require.NoError(t, err)

	refer, err := buildReverseDialogREFER(invite, "+33122222222")
	require.NoError(t, err)

	assert.Equal(t, invite.From().Address.User, refer.To().Address.User)
	hdrs := refer.GetHeaders("Refer-To")
	require.Len(t, hdrs, 1)
	assert.Contains(t, hdrs[0].Value(), "+33122222222")
}

func TestBuildForwardDialogRequestKeepsFromToAsIs(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "bridge", "+33100000000", "+33199999999", []byte("sdp"))
	require.NoError(t, err)

	resp := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	require.NotNil(t, resp.To())
	resp.To().Params.Add("tag", "remote-tag")

	bye := buildForwardDialogRequest(sip.BYE, invite, resp, 2)

	require.NotNil(t, bye.From())
	require.NotNil(t, bye.To())
	assert.Equal(t, invite.From().Address.User, bye.From().Address.User)
	assert.Equal(t, invite.To().Address.User, bye.To().Address.User)
	tag, ok := bye.To().Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, "remote-tag", tag)
	require.NotNil(t, bye.CSeq())
	assert.Equal(t, uint32(2), bye.CSeq().SeqNo)
	assert.Equal(t, sip.BYE, bye.CSeq().MethodName)
}

func TestBuildForwardDialogRequestFallsBackToInviteToWithoutResponse(t *testing.T) {
	invite, err := buildOutboundInviteForTarget("sip.example.com", "bridge", "+33100000000", "+33199999999", []byte("sdp"))
	require.NoError(t, err)

	refer := buildForwardDialogRequest(sip.REFER, invite, nil, 3)
	require.NotNil(t, refer.To())
	assert.Equal(t, invite.To().Address.User, refer.To().Address.User)
}
