package callstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testCall() *Call {
	return &Call{
		SharedCommunicationID: "room-1",
		Sender:                "alice",
		Recipients:            []string{"bob"},
		SupportsVideo:         true,
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  EndReason
	}{
		{"outbound peer connection", Failed(Outbound(KindVideo), testCall(), PeerConnectionFailedReason), EndReasonUserInitiatedUnanswered},
		{"inbound peer connection", Failed(Inbound(KindVoice), testCall(), PeerConnectionFailedReason), EndReasonPartnerInitiatedUnanswered},
		{"other reason", Failed(Outbound(KindVideo), testCall(), "ICE timeout"), EndReasonFailed},
		{"no direction", Failed(nil, testCall(), PeerConnectionFailedReason), EndReasonFailed},
		{"structured cause", FailedWithCause(Inbound(KindVideo), testCall(), CausePeerConnectionFailed, "ice failed"), EndReasonPartnerInitiatedUnanswered},
		{"ratchet cause", FailedWithCause(Outbound(KindVideo), testCall(), CauseRatchet, PeerConnectionFailedReason), EndReasonFailed},
		{"ended", Ended(EndReasonPartnerEnded, testCall()), EndReasonPartnerEnded},
		{"answered elsewhere", AnsweredOnAuxiliaryDevice(testCall()), EndReasonAnsweredElsewhere},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.state.ReportedEndReason()
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.True(t, tt.state.IsTerminal())
		})
	}
}

func TestLiveStatesHaveNoEndReason(t *testing.T) {
	for _, st := range []State{
		Waiting(),
		Ready(testCall()),
		Connecting(Outbound(KindVideo), testCall()),
		Connected(Inbound(KindVoice), testCall()),
		Held(nil, testCall()),
	} {
		_, ok := st.ReportedEndReason()
		assert.False(t, ok, st.String())
		assert.False(t, st.IsTerminal(), st.String())
	}
}

func TestStateEqual(t *testing.T) {
	a := Connected(Outbound(KindVideo), testCall())
	b := Connected(Outbound(KindVideo), testCall())
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(Connected(Inbound(KindVideo), testCall())))
	assert.False(t, a.Equal(Connecting(Outbound(KindVideo), testCall())))

	changed := testCall()
	changed.SupportsVideo = false
	assert.False(t, a.Equal(Connected(Outbound(KindVideo), changed)))

	assert.True(t, Held(nil, testCall()).Equal(Held(nil, testCall())))
	assert.False(t, Held(nil, testCall()).Equal(Held(Outbound(KindVoice), testCall())))
}

func TestCallClone(t *testing.T) {
	c := testCall()
	c.Metadata = []byte{1, 2}
	d := c.Clone()
	d.Recipients[0] = "carol"
	d.Metadata[0] = 9

	assert.Equal(t, "bob", c.Recipients[0])
	assert.Equal(t, byte(1), c.Metadata[0])
	assert.Equal(t, KindVideo, c.Kind())
	assert.Equal(t, []string{"alice", "bob"}, c.Participants())
}
