package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	c1   = NewAudio(34, "c1", 2, 14000)
	c2   = NewAudio(56, "c2", 1, 44000)
	bad1 = NewAudio(91, "bad-1", 2, 28000)
)

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b PayloadType
		want bool
	}{
		{"одинаковые аудио", c1, NewAudio(34, "c1", 2, 14000), true},
		{"разная частота", c1, NewAudio(34, "c1", 2, 8000), false},
		{"разные каналы", c1, NewAudio(34, "c1", 1, 14000), false},
		{"разный id", c1, NewAudio(35, "c1", 2, 14000), false},
		{"разное имя", c1, NewAudio(34, "c9", 2, 14000), false},
		{"базовые", New(96, "h264", 1), New(96, "h264", 1), true},
		{"базовый против аудио", New(34, "c1", 2), c1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a), "равенство должно быть симметричным")
		})
	}
}

func TestComputeCommon_MembershipCommutes(t *testing.T) {
	a := []PayloadType{c1, c2}
	b := []PayloadType{c2, c1}

	ab := ComputeCommon(a, b)
	ba := ComputeCommon(b, a)

	assert.Equal(t, []PayloadType{c1, c2}, ab, "порядок берется из левого списка")
	assert.Equal(t, []PayloadType{c2, c1}, ba)
	assert.ElementsMatch(t, ab, ba)
}

func TestComputeCommon_Idempotent(t *testing.T) {
	a := []PayloadType{c1, c2}
	assert.Equal(t, a, ComputeCommon(a, a))

	dup := []PayloadType{c1, c2, c1, c2}
	assert.Equal(t, a, ComputeCommon(dup, dup), "повторы не должны попадать в результат")
}

func TestComputeCommon_NoIntersection(t *testing.T) {
	assert.Empty(t, ComputeCommon([]PayloadType{bad1}, []PayloadType{c1}))
	assert.Empty(t, ComputeCommon(nil, []PayloadType{c1}))
	assert.Empty(t, ComputeCommon([]PayloadType{c1}, nil))

	_, ok := Negotiate([]PayloadType{bad1}, []PayloadType{c1})
	assert.False(t, ok)
}

func TestNegotiate_LocalOrderWins(t *testing.T) {
	local := []PayloadType{c2, c1}
	remote := []PayloadType{c1, c2}
	got, ok := Negotiate(local, remote)
	require.True(t, ok)
	assert.Equal(t, 56, got.ID)
}

func TestSDP_RoundTripThroughText(t *testing.T) {
	list := []PayloadType{NewAudio(111, "opus", 2, 48000), NewAudio(0, "PCMU", 1, 8000)}
	md := ToMediaDescription("audio", 5004, list)
	assert.Equal(t, []string{"111", "0"}, md.MediaName.Formats)

	raw := []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 111 8\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n")
	got, err := ParseSDP(raw, "audio")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(NewAudio(111, "opus", 2, 48000)))
	assert.True(t, got[1].Equal(NewAudio(8, "PCMA", 1, 8000)), "статический тип без rtpmap")

	_, err = ParseSDP(raw, "video")
	assert.Error(t, err)
}
