package element

import (
	"encoding/xml"
)

// BridgeCandidate выделение relay-сервиса: два UDP-порта на одном адресе
type BridgeCandidate struct {
	IP    string
	HostA string
	HostB string
	PortA int
	PortB int
	Pass  string
	Name  string
}

// RTPBridge запрос и ответ сервиса RTP-моста. В запросе Candidate пустой.
type RTPBridge struct {
	SID       string
	Candidate *BridgeCandidate
}

type rtpBridgeWire struct {
	XMLName   xml.Name             `xml:"http://www.jivesoftware.com/protocol/rtpbridge rtpbridge"`
	SID       string               `xml:"sid,attr"`
	Candidate *bridgeCandidateWire `xml:"candidate"`
}

type bridgeCandidateWire struct {
	IP    string `xml:"ip,attr,omitempty"`
	HostA string `xml:"hosta,attr,omitempty"`
	HostB string `xml:"hostb,attr,omitempty"`
	PortA int    `xml:"porta,attr,omitempty"`
	PortB int    `xml:"portb,attr,omitempty"`
	Pass  string `xml:"pass,attr,omitempty"`
	Name  string `xml:"name,attr,omitempty"`
}

// MarshalBridge сериализует элемент rtpbridge. Запрос всегда несет пустой candidate.
func MarshalBridge(b *RTPBridge) ([]byte, error) {
	if b.SID == "" {
		return nil, malformed("rtpbridge without sid")
	}
	w := rtpBridgeWire{SID: b.SID, Candidate: &bridgeCandidateWire{}}
	if c := b.Candidate; c != nil {
		*w.Candidate = bridgeCandidateWire(*c)
	}
	return xml.Marshal(w)
}

// UnmarshalBridge разбирает элемент rtpbridge
func UnmarshalBridge(data []byte) (*RTPBridge, error) {
	var w rtpBridgeWire
	if err := xml.Unmarshal(data, &w); err != nil {
		return nil, malformed("rtpbridge: %v", err)
	}
	if w.SID == "" {
		return nil, malformed("rtpbridge without sid")
	}
	b := &RTPBridge{SID: w.SID}
	if w.Candidate != nil && (w.Candidate.IP != "" || w.Candidate.PortA != 0 || w.Candidate.PortB != 0) {
		c := BridgeCandidate(*w.Candidate)
		b.Candidate = &c
	}
	return b, nil
}
