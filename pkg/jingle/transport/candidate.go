package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/arzzra/jingle/pkg/jingle/element"
)

// Type тип кандидата в терминах ICE
type Type string

const (
	TypeHost  Type = "host"
	TypeSrflx Type = "srflx"
	TypePrflx Type = "prflx"
	TypeRelay Type = "relay"
)

// Side принадлежность кандидата
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

func (s Side) String() string {
	if s == SideLocal {
		return "local"
	}
	return "remote"
}

// Candidate конкретная точка, по которой можно достучаться до стороны.
// После объявления кандидат не меняется: новый адрес дает нового кандидата
// с большим Generation.
type Candidate struct {
	ID         string
	Component  int
	Foundation string
	Generation int
	IP         string
	Port       int
	Protocol   string
	Priority   uint32
	Type       Type
	// Origin имя стратегии, создавшей кандидата (fixed, stun, ice, bridge)
	Origin  string
	Side    Side
	RelAddr string
	RelPort int
	// Base адрес локального сокета, обслуживающего кандидата
	Base netip.AddrPort
	// Via адрес, куда уходят датаграммы с этого кандидата вместо адреса собеседника
	Via netip.AddrPort
}

// Addr адрес кандидата
func (c Candidate) Addr() (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(c.IP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("candidate %s: %w", c.ID, err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("candidate %s: bad port %d", c.ID, c.Port)
	}
	return netip.AddrPortFrom(ip, uint16(c.Port)), nil
}

// WithGeneration возвращает копию кандидата с новым поколением
func (c Candidate) WithGeneration(g int) Candidate {
	c.Generation = g
	return c
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s %s:%d gen=%d", c.ID, c.Type, c.IP, c.Port, c.Generation)
}

// ToElement представление для передачи
func (c Candidate) ToElement() element.Candidate {
	proto := c.Protocol
	if proto == "" {
		proto = "udp"
	}
	return element.Candidate{
		Component:  c.Component,
		Foundation: c.Foundation,
		Generation: c.Generation,
		ID:         c.ID,
		IP:         c.IP,
		Port:       c.Port,
		Priority:   c.Priority,
		Protocol:   proto,
		RelAddr:    c.RelAddr,
		RelPort:    c.RelPort,
		Type:       string(c.Type),
	}
}

// FromElement строит удаленного кандидата из принятого элемента
func FromElement(e element.Candidate) Candidate {
	t := Type(e.Type)
	if t == "" {
		t = TypeHost
	}
	component := e.Component
	if component == 0 {
		component = 1
	}
	return Candidate{
		ID:         e.ID,
		Component:  component,
		Foundation: e.Foundation,
		Generation: e.Generation,
		IP:         e.IP,
		Port:       e.Port,
		Protocol:   e.Protocol,
		Priority:   e.Priority,
		Type:       t,
		Side:       SideRemote,
		RelAddr:    e.RelAddr,
		RelPort:    e.RelPort,
	}
}

// FromTransport извлекает удаленных кандидатов и пароль из элемента transport
func FromTransport(t element.Transport) (cands []Candidate, pwd string) {
	for _, e := range element.TransportCandidates(t) {
		cands = append(cands, FromElement(e))
	}
	if ice, ok := t.(*element.ICEUDPTransport); ok {
		pwd = ice.Pwd
	}
	return cands, pwd
}

// typePreference предпочтения типов (RFC 8445, 5.1.2.2)
var typePreference = map[Type]uint32{
	TypeHost:  126,
	TypePrflx: 110,
	TypeSrflx: 100,
	TypeRelay: 0,
}

// Priority вычисляет приоритет кандидата
func Priority(t Type, localPref uint32, component int) uint32 {
	return (1<<24)*typePreference[t] + (1<<8)*(localPref&0xffff) + uint32(256-component)
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(b)
}

// NewCredentials генерирует ufrag и pwd для проверки связности
func NewCredentials() (ufrag, pwd string) {
	return randomToken(4), randomToken(12)
}

func newCandidateID() string { return randomToken(5) }
