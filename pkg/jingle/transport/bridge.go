package transport

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/xmpp"
)

// BridgeResolver запрашивает у RTP-моста пару портов. Кандидатом объявляется
// порт A моста, собственные датаграммы отправляются на порт B.
type BridgeResolver struct {
	task

	Conn    xmpp.Transport
	Service string
	SID     string
	LocalIP string
	Ports   *PortAllocator
	Timeout time.Duration
}

// NewBridgeResolver создает стратегию моста для сессии sid
func NewBridgeResolver(conn xmpp.Transport, service, sid, localIP string, ports *PortAllocator) *BridgeResolver {
	return &BridgeResolver{Conn: conn, Service: service, SID: sid, LocalIP: localIP, Ports: ports, Timeout: 3 * time.Second}
}

func (r *BridgeResolver) Kind() string { return "bridge" }

func (r *BridgeResolver) Resolve(ctx context.Context, notify NotifyFunc) {
	r.run(ctx, notify, r.resolve)
}

// RequestBridge выполняет обмен rtpbridge с сервисом
func RequestBridge(ctx context.Context, conn xmpp.Transport, service, sid string) (*element.BridgeCandidate, error) {
	payload, err := element.MarshalBridge(&element.RTPBridge{SID: sid})
	if err != nil {
		return nil, err
	}
	resp, err := xmpp.SendIQ(ctx, conn, &xmpp.IQ{Type: xmpp.IQGet, To: service, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("rtpbridge request: %w", err)
	}
	b, err := element.UnmarshalBridge(resp.Payload)
	if err != nil {
		return nil, err
	}
	if b.Candidate == nil {
		return nil, fmt.Errorf("rtpbridge: service returned no candidate")
	}
	return b.Candidate, nil
}

func (r *BridgeResolver) resolve(ctx context.Context) (res Result, err error) {
	local, err := netip.ParseAddr(r.LocalIP)
	if err != nil {
		return Result{}, fmt.Errorf("bridge resolver: local ip: %w", err)
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	bc, err := RequestBridge(ctx, r.Conn, r.Service, r.SID)
	if err != nil {
		return Result{}, fmt.Errorf("bridge resolver: %w", err)
	}
	relay, err := netip.ParseAddr(bc.IP)
	if err != nil {
		return Result{}, fmt.Errorf("bridge resolver: relay ip: %w", err)
	}

	port := 0
	if r.Ports != nil {
		if port, err = r.Ports.Allocate(); err != nil {
			return Result{}, fmt.Errorf("bridge resolver: %w", err)
		}
		allocated := port
		res.release = func() { r.Ports.Release(allocated) }
	}
	defer func() {
		if err != nil {
			res.Release()
		}
	}()
	conn, err := ListenUDP(ctx, netip.AddrPortFrom(local, uint16(port)))
	if err != nil {
		return res, fmt.Errorf("bridge resolver: %w", err)
	}
	res.Conn = conn

	res.Ufrag, res.Pwd = NewCredentials()
	res.Candidates = []Candidate{{
		ID:         newCandidateID(),
		Component:  1,
		Foundation: "3",
		IP:         relay.String(),
		Port:       bc.PortA,
		Protocol:   "udp",
		Priority:   Priority(TypeRelay, 65535, 1),
		Type:       TypeRelay,
		Origin:     r.Kind(),
		Side:       SideLocal,
		Base:       localAddrPort(conn),
		Via:        netip.AddrPortFrom(relay, uint16(bc.PortB)),
	}}
	return res, nil
}
