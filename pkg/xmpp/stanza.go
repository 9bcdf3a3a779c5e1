package xmpp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// Пространства имен стандартных элементов
const (
	NSClient  = "jabber:client"
	NSStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// IQType тип IQ-стансы
type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

// IsRequest возвращает true для get и set
func (t IQType) IsRequest() bool {
	return t == IQGet || t == IQSet
}

// IQ одна info/query станса. Payload содержит сериализованный дочерний
// элемент целиком, вместе с объявлением пространства имен.
type IQ struct {
	ID      string
	Type    IQType
	From    string
	To      string
	Payload []byte
	Error   *StanzaError
}

// ResultFor строит пустой ответ result на запрос
func ResultFor(req *IQ) *IQ {
	return &IQ{ID: req.ID, Type: IQResult, From: req.To, To: req.From}
}

// ErrorFor строит ответ error на запрос
func ErrorFor(req *IQ, se *StanzaError) *IQ {
	return &IQ{ID: req.ID, Type: IQError, From: req.To, To: req.From, Error: se}
}

// Условия ошибок стансы (RFC 6120, 8.3.3), которые использует движок
const (
	CondBadRequest            = "bad-request"
	CondFeatureNotImplemented = "feature-not-implemented"
	CondItemNotFound          = "item-not-found"
	CondUnexpectedRequest     = "unexpected-request"
	CondServiceUnavailable    = "service-unavailable"
	CondInternalServerError   = "internal-server-error"
)

// StanzaError ошибка IQ. AppCondition несет условие конкретного расширения,
// например unknown-session из urn:xmpp:jingle:errors:1.
type StanzaError struct {
	Type         string
	Condition    string
	AppCondition xml.Name
	Text         string
}

func (e *StanzaError) Error() string {
	s := e.Condition
	if e.AppCondition.Local != "" {
		s += "/" + e.AppCondition.Local
	}
	if e.Text != "" {
		s += ": " + e.Text
	}
	return "xmpp error " + s
}

type iqWire struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Inner   []byte   `xml:",innerxml"`
}

type errorWire struct {
	XMLName  xml.Name  `xml:"error"`
	Type     string    `xml:"type,attr"`
	Children []anyElem `xml:",any"`
}

type anyElem struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

// Encode сериализует IQ в байты
func Encode(iq *IQ) ([]byte, error) {
	if iq == nil {
		return nil, errors.New("nil iq")
	}
	w := iqWire{ID: iq.ID, Type: string(iq.Type), From: iq.From, To: iq.To}
	inner := append([]byte(nil), iq.Payload...)
	if iq.Error != nil {
		ew := errorWire{Type: iq.Error.Type}
		if ew.Type == "" {
			ew.Type = "cancel"
		}
		ew.Children = append(ew.Children, anyElem{XMLName: xml.Name{Space: NSStanzas, Local: iq.Error.Condition}})
		if iq.Error.AppCondition.Local != "" {
			ew.Children = append(ew.Children, anyElem{XMLName: iq.Error.AppCondition})
		}
		if iq.Error.Text != "" {
			ew.Children = append(ew.Children, anyElem{XMLName: xml.Name{Space: NSStanzas, Local: "text"}, Text: iq.Error.Text})
		}
		b, err := xml.Marshal(ew)
		if err != nil {
			return nil, fmt.Errorf("encode error element: %w", err)
		}
		inner = append(inner, b...)
	}
	w.Inner = inner
	return xml.Marshal(w)
}

// Decode разбирает IQ. Первый дочерний элемент, отличный от error, становится Payload.
func Decode(data []byte) (*IQ, error) {
	var w iqWire
	if err := xml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode iq: %w", err)
	}
	iq := &IQ{ID: w.ID, Type: IQType(w.Type), From: w.From, To: w.To}
	switch iq.Type {
	case IQGet, IQSet, IQResult, IQError:
	default:
		return nil, fmt.Errorf("decode iq: unknown type %q", w.Type)
	}

	d := xml.NewDecoder(bytes.NewReader(w.Inner))
	for {
		start := d.InputOffset()
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode iq payload: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local == "error" && (se.Name.Space == "" || se.Name.Space == NSClient) {
			var ew errorWire
			if err := d.DecodeElement(&ew, &se); err != nil {
				return nil, fmt.Errorf("decode stanza error: %w", err)
			}
			iq.Error = errorFromWire(ew)
			continue
		}
		if err := d.Skip(); err != nil {
			return nil, fmt.Errorf("decode iq payload: %w", err)
		}
		if iq.Payload == nil {
			iq.Payload = append([]byte(nil), w.Inner[start:d.InputOffset()]...)
		}
	}
	return iq, nil
}

func errorFromWire(ew errorWire) *StanzaError {
	se := &StanzaError{Type: ew.Type}
	for _, c := range ew.Children {
		switch {
		case c.XMLName.Space == NSStanzas && c.XMLName.Local == "text":
			se.Text = c.Text
		case c.XMLName.Space == NSStanzas:
			se.Condition = c.XMLName.Local
		default:
			se.AppCondition = c.XMLName
		}
	}
	return se
}

// PayloadName возвращает имя корневого элемента Payload без полного разбора
func (iq *IQ) PayloadName() (xml.Name, bool) {
	if len(iq.Payload) == 0 {
		return xml.Name{}, false
	}
	d := xml.NewDecoder(bytes.NewReader(iq.Payload))
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.Name{}, false
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name, true
		}
	}
}
