package element

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/arzzra/jingle/pkg/jingle/payload"
)

// ErrMalformed элемент не удалось разобрать или он нарушает грамматику
var ErrMalformed = errors.New("malformed jingle element")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

type rawWire struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

func (w rawWire) element() RawElement {
	attrs := make([]xml.Attr, 0, len(w.Attrs))
	for _, a := range w.Attrs {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		attrs = append(attrs, a)
	}
	return RawElement{Name: w.XMLName, Attrs: attrs, Inner: append([]byte(nil), w.Inner...)}
}

func rawOut(r RawElement) rawWire {
	return rawWire{XMLName: r.Name, Attrs: r.Attrs, Inner: r.Inner}
}

// decodeAs повторно разбирает сырой элемент в типизированную структуру
func decodeAs(w rawWire, v interface{}) error {
	b, err := xml.Marshal(rawOut(w.element()))
	if err != nil {
		return err
	}
	return xml.Unmarshal(b, v)
}

type jingleIn struct {
	XMLName   xml.Name    `xml:"urn:xmpp:jingle:1 jingle"`
	Action    string      `xml:"action,attr"`
	Initiator string      `xml:"initiator,attr"`
	Responder string      `xml:"responder,attr"`
	SID       string      `xml:"sid,attr"`
	Contents  []contentIn `xml:"content"`
	Reason    *reasonWire `xml:"reason"`
	Extra     []rawWire   `xml:",any"`
}

type contentIn struct {
	Creator     string    `xml:"creator,attr"`
	Disposition string    `xml:"disposition,attr"`
	Name        string    `xml:"name,attr"`
	Senders     string    `xml:"senders,attr"`
	Description *rawWire  `xml:"description"`
	Transport   *rawWire  `xml:"transport"`
	Security    []rawWire `xml:",any"`
}

type jingleOut struct {
	XMLName   xml.Name      `xml:"urn:xmpp:jingle:1 jingle"`
	Action    string        `xml:"action,attr"`
	Initiator string        `xml:"initiator,attr,omitempty"`
	Responder string        `xml:"responder,attr,omitempty"`
	SID       string        `xml:"sid,attr"`
	Contents  []contentOut  `xml:"content"`
	Reason    *reasonWire   `xml:"reason,omitempty"`
	Extra     []interface{} `xml:",omitempty"`
}

type contentOut struct {
	Creator     string        `xml:"creator,attr"`
	Disposition string        `xml:"disposition,attr,omitempty"`
	Name        string        `xml:"name,attr"`
	Senders     string        `xml:"senders,attr,omitempty"`
	Children    []interface{} `xml:",omitempty"`
}

type reasonWire struct {
	Conds []reasonCond `xml:",any"`
	Text  string       `xml:"text,omitempty"`
}

type reasonCond struct {
	XMLName xml.Name
	SID     string `xml:"sid,omitempty"`
}

type rtpDescriptionWire struct {
	XMLName  xml.Name          `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media    string            `xml:"media,attr"`
	SSRC     string            `xml:"ssrc,attr,omitempty"`
	Payloads []payloadTypeWire `xml:"payload-type"`
}

type payloadTypeWire struct {
	ID        int    `xml:"id,attr"`
	Name      string `xml:"name,attr,omitempty"`
	Channels  int    `xml:"channels,attr,omitempty"`
	ClockRate uint32 `xml:"clockrate,attr,omitempty"`
}

type candidateWire struct {
	Component  int    `xml:"component,attr"`
	Foundation string `xml:"foundation,attr,omitempty"`
	Generation int    `xml:"generation,attr"`
	ID         string `xml:"id,attr"`
	IP         string `xml:"ip,attr"`
	Network    int    `xml:"network,attr,omitempty"`
	Port       int    `xml:"port,attr"`
	Priority   uint32 `xml:"priority,attr,omitempty"`
	Protocol   string `xml:"protocol,attr,omitempty"`
	RelAddr    string `xml:"rel-addr,attr,omitempty"`
	RelPort    int    `xml:"rel-port,attr,omitempty"`
	Type       string `xml:"type,attr,omitempty"`
}

type candidateUsedWire struct {
	CID string `xml:"cid,attr"`
}

type iceUDPWire struct {
	XMLName    xml.Name           `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Ufrag      string             `xml:"ufrag,attr,omitempty"`
	Pwd        string             `xml:"pwd,attr,omitempty"`
	Candidates []candidateWire    `xml:"candidate"`
	Used       *candidateUsedWire `xml:"candidate-used,omitempty"`
}

type rawUDPWire struct {
	XMLName    xml.Name           `xml:"urn:xmpp:jingle:transports:raw-udp:1 transport"`
	Candidates []candidateWire    `xml:"candidate"`
	Used       *candidateUsedWire `xml:"candidate-used,omitempty"`
}

type fingerprintWire struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Hash    string   `xml:"hash,attr"`
	Setup   string   `xml:"setup,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Marshal сериализует элемент jingle
func Marshal(j *Jingle) ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	out := jingleOut{
		Action:    string(j.Action),
		Initiator: j.Initiator,
		Responder: j.Responder,
		SID:       j.SID,
	}
	for i := range j.Contents {
		c, err := encodeContent(&j.Contents[i])
		if err != nil {
			return nil, err
		}
		out.Contents = append(out.Contents, c)
	}
	if j.Reason != nil {
		out.Reason = encodeReason(*j.Reason)
	}
	if j.Info != nil {
		out.Extra = append(out.Extra, rawOut(*j.Info))
	}
	return xml.Marshal(out)
}

// Unmarshal разбирает элемент jingle. Ошибки грамматики оборачивают ErrMalformed.
func Unmarshal(data []byte) (*Jingle, error) {
	var in jingleIn
	if err := xml.Unmarshal(data, &in); err != nil {
		return nil, malformed("%v", err)
	}
	action, err := ParseAction(in.Action)
	if err != nil {
		return nil, malformed("%v", err)
	}
	j := &Jingle{
		Action:    action,
		Initiator: in.Initiator,
		Responder: in.Responder,
		SID:       in.SID,
	}
	for i := range in.Contents {
		c, err := decodeContent(&in.Contents[i])
		if err != nil {
			return nil, err
		}
		j.Contents = append(j.Contents, c)
	}
	if in.Reason != nil {
		r, err := decodeReason(in.Reason)
		if err != nil {
			return nil, err
		}
		j.Reason = &r
	}
	for _, x := range in.Extra {
		if x.XMLName.Local == "content" || x.XMLName.Local == "reason" {
			continue
		}
		el := x.element()
		j.Info = &el
		break
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Validate проверяет обязательные атрибуты
func (j *Jingle) Validate() error {
	if !j.Action.Valid() {
		return malformed("unknown action %q", j.Action)
	}
	if j.SID == "" {
		return malformed("missing sid")
	}
	if j.Action == ActionSessionInitiate && j.Initiator == "" {
		return malformed("session-initiate without initiator")
	}
	seen := make(map[string]bool, len(j.Contents))
	for _, c := range j.Contents {
		if c.Name == "" {
			return malformed("content without name")
		}
		if seen[c.Name] {
			return malformed("duplicate content %q", c.Name)
		}
		seen[c.Name] = true
		if c.Creator != CreatorInitiator && c.Creator != CreatorResponder {
			return malformed("content %q: bad creator %q", c.Name, c.Creator)
		}
		if c.Senders != "" && !c.Senders.Valid() {
			return malformed("content %q: bad senders %q", c.Name, c.Senders)
		}
	}
	if j.Reason != nil {
		if err := j.Reason.Validate(); err != nil {
			return malformed("%v", err)
		}
	}
	return nil
}

func encodeContent(c *Content) (contentOut, error) {
	out := contentOut{
		Creator:     string(c.Creator),
		Disposition: c.Disposition,
		Name:        c.Name,
		Senders:     string(c.Senders),
	}
	if out.Disposition == DispositionSession {
		out.Disposition = ""
	}
	switch d := c.Description.(type) {
	case nil:
	case *RTPDescription:
		w := rtpDescriptionWire{Media: d.Media, SSRC: d.SSRC}
		for _, p := range d.Payloads {
			w.Payloads = append(w.Payloads, payloadTypeWire{ID: p.ID, Name: p.Name, Channels: p.Channels, ClockRate: p.ClockRate})
		}
		out.Children = append(out.Children, w)
	case *OpaqueDescription:
		out.Children = append(out.Children, rawOut(d.Raw))
	default:
		return out, fmt.Errorf("unsupported description %T", d)
	}
	switch t := c.Transport.(type) {
	case nil:
	case *ICEUDPTransport:
		w := iceUDPWire{Ufrag: t.Ufrag, Pwd: t.Pwd, Candidates: encodeCandidates(t.Candidates)}
		if t.CandidateUsed != "" {
			w.Used = &candidateUsedWire{CID: t.CandidateUsed}
		}
		out.Children = append(out.Children, w)
	case *RawUDPTransport:
		w := rawUDPWire{Candidates: encodeCandidates(t.Candidates)}
		if t.CandidateUsed != "" {
			w.Used = &candidateUsedWire{CID: t.CandidateUsed}
		}
		out.Children = append(out.Children, w)
	case *OpaqueTransport:
		out.Children = append(out.Children, rawOut(t.Raw))
	default:
		return out, fmt.Errorf("unsupported transport %T", t)
	}
	switch s := c.Security.(type) {
	case nil:
	case *DTLSFingerprint:
		out.Children = append(out.Children, fingerprintWire{Hash: s.Hash, Setup: s.Setup, Value: s.Value})
	case *OpaqueSecurity:
		out.Children = append(out.Children, rawOut(s.Raw))
	default:
		return out, fmt.Errorf("unsupported security %T", s)
	}
	return out, nil
}

func encodeCandidates(cs []Candidate) []candidateWire {
	out := make([]candidateWire, 0, len(cs))
	for _, c := range cs {
		out = append(out, candidateWire(c))
	}
	return out
}

func decodeContent(in *contentIn) (Content, error) {
	c := Content{
		Creator:     Creator(in.Creator),
		Disposition: in.Disposition,
		Name:        in.Name,
		Senders:     Senders(in.Senders),
	}
	if c.Disposition == "" {
		c.Disposition = DispositionSession
	}
	if c.Senders == "" {
		c.Senders = SendersBoth
	}
	if in.Description != nil {
		d, err := decodeDescription(*in.Description)
		if err != nil {
			return c, fmt.Errorf("content %q: %w", c.Name, err)
		}
		c.Description = d
	}
	if in.Transport != nil {
		t, err := decodeTransport(*in.Transport)
		if err != nil {
			return c, fmt.Errorf("content %q: %w", c.Name, err)
		}
		c.Transport = t
	}
	for _, s := range in.Security {
		switch {
		case s.XMLName.Space == NSDTLS && s.XMLName.Local == "fingerprint":
			var w fingerprintWire
			if err := decodeAs(s, &w); err != nil {
				return c, malformed("content %q fingerprint: %v", c.Name, err)
			}
			c.Security = &DTLSFingerprint{Hash: w.Hash, Setup: w.Setup, Value: w.Value}
		case s.XMLName.Local == "security":
			c.Security = &OpaqueSecurity{Raw: s.element()}
		}
	}
	return c, nil
}

func decodeDescription(w rawWire) (Description, error) {
	if w.XMLName.Space != NSRTP {
		return &OpaqueDescription{Raw: w.element()}, nil
	}
	var rw rtpDescriptionWire
	if err := decodeAs(w, &rw); err != nil {
		return nil, malformed("rtp description: %v", err)
	}
	d := &RTPDescription{Media: rw.Media, SSRC: rw.SSRC}
	for _, p := range rw.Payloads {
		channels := p.Channels
		if channels == 0 {
			channels = 1
		}
		if rw.Media == "audio" {
			d.Payloads = append(d.Payloads, payload.NewAudio(p.ID, p.Name, channels, p.ClockRate))
		} else {
			d.Payloads = append(d.Payloads, payload.New(p.ID, p.Name, channels))
		}
	}
	return d, nil
}

func decodeTransport(w rawWire) (Transport, error) {
	switch w.XMLName.Space {
	case NSICEUDP:
		var iw iceUDPWire
		if err := decodeAs(w, &iw); err != nil {
			return nil, malformed("ice-udp transport: %v", err)
		}
		t := &ICEUDPTransport{Ufrag: iw.Ufrag, Pwd: iw.Pwd}
		cs, err := decodeCandidates(iw.Candidates)
		if err != nil {
			return nil, err
		}
		t.Candidates = cs
		if iw.Used != nil {
			t.CandidateUsed = iw.Used.CID
		}
		return t, nil
	case NSRawUDP:
		var rw rawUDPWire
		if err := decodeAs(w, &rw); err != nil {
			return nil, malformed("raw-udp transport: %v", err)
		}
		cs, err := decodeCandidates(rw.Candidates)
		if err != nil {
			return nil, err
		}
		t := &RawUDPTransport{Candidates: cs}
		if rw.Used != nil {
			t.CandidateUsed = rw.Used.CID
		}
		return t, nil
	}
	return &OpaqueTransport{Raw: w.element()}, nil
}

func decodeCandidates(ws []candidateWire) ([]Candidate, error) {
	out := make([]Candidate, 0, len(ws))
	for _, w := range ws {
		if w.IP == "" || w.Port <= 0 || w.Port > 65535 {
			return nil, malformed("candidate %q: bad address %s:%d", w.ID, w.IP, w.Port)
		}
		out = append(out, Candidate(w))
	}
	return out, nil
}

func encodeReason(r Reason) *reasonWire {
	w := &reasonWire{Text: r.Text}
	cond := reasonCond{XMLName: xml.Name{Local: string(r.Code)}}
	if r.Code == ReasonAlternativeSession {
		cond.SID = r.AlternativeSID
	}
	w.Conds = append(w.Conds, cond)
	return w
}

func decodeReason(w *reasonWire) (Reason, error) {
	for _, c := range w.Conds {
		code := ReasonCode(c.XMLName.Local)
		if c.XMLName.Local == "text" || !code.Valid() {
			continue
		}
		r := Reason{Code: code, Text: w.Text}
		if code == ReasonAlternativeSession {
			r.AlternativeSID = c.SID
		}
		return r, nil
	}
	return Reason{}, malformed("reason without known condition")
}
