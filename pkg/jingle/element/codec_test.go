package element

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle/pkg/jingle/payload"
)

func TestUnmarshal_SessionInitiateFromWire(t *testing.T) {
	raw := `<jingle xmlns="urn:xmpp:jingle:1" action="session-initiate" initiator="romeo@montague.lit/orchard" sid="a73sjjvkla37jfea">
  <content creator="initiator" name="voice">
    <description xmlns="urn:xmpp:jingle:apps:rtp:1" media="audio">
      <payload-type id="96" name="speex" clockrate="16000"/>
      <payload-type id="18" name="G729" channels="2" clockrate="8000"/>
    </description>
    <transport xmlns="urn:xmpp:jingle:transports:ice-udp:1" ufrag="8hhy" pwd="asd88fgpdd777uzjYhagZg">
      <candidate component="1" foundation="1" generation="0" id="el0747fg11" ip="10.0.1.1" network="1" port="8998" priority="2130706431" protocol="udp" type="host"/>
    </transport>
    <fingerprint xmlns="urn:xmpp:jingle:apps:dtls:0" hash="sha-256" setup="actpass">02:1A:CC</fingerprint>
  </content>
</jingle>`

	j, err := Unmarshal([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, ActionSessionInitiate, j.Action)
	assert.Equal(t, "a73sjjvkla37jfea", j.SID)
	require.Len(t, j.Contents, 1)

	c := j.Contents[0]
	assert.Equal(t, DispositionSession, c.Disposition, "disposition по умолчанию")
	assert.Equal(t, SendersBoth, c.Senders, "senders по умолчанию")

	d, ok := c.Description.(*RTPDescription)
	require.True(t, ok, "ожидалось RTP-описание, получено %T", c.Description)
	assert.Equal(t, "audio", d.Media)
	require.Len(t, d.Payloads, 2)
	assert.True(t, d.Payloads[0].Equal(payload.NewAudio(96, "speex", 1, 16000)))
	assert.True(t, d.Payloads[1].Equal(payload.NewAudio(18, "G729", 2, 8000)))

	tr, ok := c.Transport.(*ICEUDPTransport)
	require.True(t, ok)
	assert.Equal(t, "8hhy", tr.Ufrag)
	require.Len(t, tr.Candidates, 1)
	assert.Equal(t, 8998, tr.Candidates[0].Port)
	assert.Equal(t, "host", tr.Candidates[0].Type)

	fp, ok := c.Security.(*DTLSFingerprint)
	require.True(t, ok)
	assert.Equal(t, "sha-256", fp.Hash)
	assert.Equal(t, "02:1A:CC", fp.Value)
}

func TestMarshal_EncodesThenDecodesSame(t *testing.T) {
	j := &Jingle{
		Action:    ActionSessionAccept,
		Initiator: "a@x/1",
		Responder: "b@x/2",
		SID:       "s1",
		Contents: []Content{{
			Creator:     CreatorInitiator,
			Disposition: DispositionSession,
			Name:        "audio",
			Senders:     SendersInitiator,
			Description: &RTPDescription{Media: "audio", Payloads: []payload.PayloadType{payload.NewAudio(34, "c1", 2, 14000)}},
			Transport: &RawUDPTransport{
				Candidates:    []Candidate{{ID: "c0", Component: 1, IP: "127.0.0.1", Port: 4000, Protocol: "udp", Type: "host"}},
				CandidateUsed: "peer-1",
			},
		}},
	}
	data, err := Marshal(j)
	require.NoError(t, err)
	assert.Contains(t, string(data), `xmlns="urn:xmpp:jingle:transports:raw-udp:1"`)
	assert.NotContains(t, string(data), "disposition", "disposition=session не сериализуется")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, j, got)
}

func TestReason_AlternativeSessionAndText(t *testing.T) {
	r := AlternativeSession("b84tkkwlmb48kgfb").WithText("уже разговариваем")
	j := &Jingle{Action: ActionSessionTerminate, SID: "s1", Reason: &r}

	data, err := Marshal(j)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, got.Reason)
	assert.Equal(t, ReasonAlternativeSession, got.Reason.Code)
	assert.Equal(t, "b84tkkwlmb48kgfb", got.Reason.AlternativeSID)
	assert.Equal(t, "уже разговариваем", got.Reason.Text)
}

func TestUnmarshal_OpaqueVariantsPreserved(t *testing.T) {
	raw := `<jingle xmlns="urn:xmpp:jingle:1" action="content-add" sid="s2">
  <content creator="responder" name="files" senders="none">
    <description xmlns="urn:xmpp:jingle:apps:file-transfer:5"><file><name>a.txt</name></file></description>
    <transport xmlns="urn:xmpp:jingle:transports:s5b:1" sid="vj3hs98y" mode="tcp"/>
  </content>
</jingle>`
	j, err := Unmarshal([]byte(raw))
	require.NoError(t, err)
	c := j.Contents[0]

	od, ok := c.Description.(*OpaqueDescription)
	require.True(t, ok)
	assert.Equal(t, "urn:xmpp:jingle:apps:file-transfer:5", od.Raw.Name.Space)
	assert.Contains(t, string(od.Raw.Inner), "a.txt")

	ot, ok := c.Transport.(*OpaqueTransport)
	require.True(t, ok)
	assert.Equal(t, "urn:xmpp:jingle:transports:s5b:1", TransportNamespace(ot))
	assert.Equal(t, "tcp", ot.Raw.Attr("mode"))
	assert.Nil(t, TransportCandidates(ot))

	// непрозрачные элементы переотправляются без потерь
	data, err := Marshal(j)
	require.NoError(t, err)
	again, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "tcp", again.Contents[0].Transport.(*OpaqueTransport).Raw.Attr("mode"))
}

func TestUnmarshal_SessionInfoPayload(t *testing.T) {
	j := &Jingle{Action: ActionSessionInfo, SID: "s3", Info: NewRTPInfo("ringing")}
	data, err := Marshal(j)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, got.Info)
	assert.Equal(t, xml.Name{Space: NSRTPInfo, Local: "ringing"}, got.Info.Name)
}

func TestUnmarshal_Malformed(t *testing.T) {
	cases := map[string]string{
		"неизвестное действие": `<jingle xmlns="urn:xmpp:jingle:1" action="session-dance" sid="s"/>`,
		"нет sid":              `<jingle xmlns="urn:xmpp:jingle:1" action="session-accept"/>`,
		"initiate без initiator": `<jingle xmlns="urn:xmpp:jingle:1" action="session-initiate" sid="s"/>`,
		"content без имени":    `<jingle xmlns="urn:xmpp:jingle:1" action="content-add" sid="s"><content creator="initiator"/></jingle>`,
		"плохой creator":       `<jingle xmlns="urn:xmpp:jingle:1" action="content-add" sid="s"><content creator="nobody" name="a"/></jingle>`,
		"дубликат content":     `<jingle xmlns="urn:xmpp:jingle:1" action="content-add" sid="s"><content creator="initiator" name="a"/><content creator="initiator" name="a"/></jingle>`,
		"неизвестная причина":  `<jingle xmlns="urn:xmpp:jingle:1" action="session-terminate" sid="s"><reason><tired/></reason></jingle>`,
		"плохой порт": `<jingle xmlns="urn:xmpp:jingle:1" action="transport-info" sid="s"><content creator="initiator" name="a">` +
			`<transport xmlns="urn:xmpp:jingle:transports:raw-udp:1"><candidate component="1" generation="0" id="x" ip="1.2.3.4" port="70000"/></transport></content></jingle>`,
		"чужое пространство имен": `<jingle xmlns="urn:example:other" action="session-accept" sid="s"/>`,
		"не XML":                  `<jingle`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "ошибка должна оборачивать ErrMalformed: %v", err)
		})
	}
}

func TestBridge(t *testing.T) {
	req, err := MarshalBridge(&RTPBridge{SID: "abc"})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(req), "<candidate"), "запрос несет пустой candidate")

	resp := &RTPBridge{SID: "abc", Candidate: &BridgeCandidate{IP: "192.0.2.10", PortA: 10000, PortB: 10002, Pass: "p", Name: "n"}}
	data, err := MarshalBridge(resp)
	require.NoError(t, err)
	got, err := UnmarshalBridge(data)
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	parsedReq, err := UnmarshalBridge(req)
	require.NoError(t, err)
	assert.Nil(t, parsedReq.Candidate)
}

func TestReasonClassification(t *testing.T) {
	assert.True(t, ReasonTimeout.IsError())
	assert.True(t, ReasonIncompatibleParameters.IsError())
	assert.False(t, ReasonSuccess.IsError())
	assert.False(t, ReasonCancel.IsError())
	assert.True(t, ReasonDecline.IsRefusal())
	assert.True(t, ReasonBusy.IsRefusal())
	assert.False(t, ReasonGone.IsRefusal())
	assert.Error(t, Reason{Code: ReasonAlternativeSession}.Validate())
}
