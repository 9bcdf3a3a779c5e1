package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"
)

// Параметры binding-запроса по умолчанию
const (
	DefaultSTUNTimeout    = 3 * time.Second
	defaultSTUNRetransmit = 500 * time.Millisecond
)

// ErrSTUNTimeout сервер не ответил вовремя
var ErrSTUNTimeout = errors.New("transport: stun server did not answer")

// STUNResolver узнает публичный адрес сокета через STUN binding request.
// Результат содержит host-кандидата и srflx-кандидата на одном сокете,
// сокет передается получателю вместе с результатом.
type STUNResolver struct {
	task

	Server  string
	LocalIP string
	Ports   *PortAllocator
	Timeout time.Duration
}

// NewSTUNResolver создает стратегию STUN
func NewSTUNResolver(server, localIP string, ports *PortAllocator) *STUNResolver {
	return &STUNResolver{Server: server, LocalIP: localIP, Ports: ports, Timeout: DefaultSTUNTimeout}
}

func (r *STUNResolver) Kind() string { return "stun" }

func (r *STUNResolver) Resolve(ctx context.Context, notify NotifyFunc) {
	r.run(ctx, notify, r.resolve)
}

func (r *STUNResolver) resolve(ctx context.Context) (res Result, err error) {
	ip, err := netip.ParseAddr(r.LocalIP)
	if err != nil {
		return Result{}, fmt.Errorf("stun resolver: local ip: %w", err)
	}
	server, err := net.ResolveUDPAddr("udp", r.Server)
	if err != nil {
		return Result{}, fmt.Errorf("stun resolver: %w", err)
	}

	port := 0
	if r.Ports != nil {
		if port, err = r.Ports.Allocate(); err != nil {
			return Result{}, fmt.Errorf("stun resolver: %w", err)
		}
		allocated := port
		res.release = func() { r.Ports.Release(allocated) }
	}
	defer func() {
		if err != nil {
			res.Release()
		}
	}()

	conn, err := ListenUDP(ctx, netip.AddrPortFrom(ip, uint16(port)))
	if err != nil {
		return res, fmt.Errorf("stun resolver: %w", err)
	}
	res.Conn = conn
	base := localAddrPort(conn)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultSTUNTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mapped, err := Bind(ctx, conn, server)
	if err != nil {
		return res, fmt.Errorf("stun resolver: %w", err)
	}

	res.Ufrag, res.Pwd = NewCredentials()
	host := Candidate{
		ID:         newCandidateID(),
		Component:  1,
		Foundation: "1",
		IP:         base.Addr().String(),
		Port:       int(base.Port()),
		Protocol:   "udp",
		Priority:   Priority(TypeHost, 65535, 1),
		Type:       TypeHost,
		Origin:     r.Kind(),
		Side:       SideLocal,
		Base:       base,
	}
	srflx := Candidate{
		ID:         newCandidateID(),
		Component:  1,
		Foundation: "2",
		IP:         mapped.Addr().String(),
		Port:       int(mapped.Port()),
		Protocol:   "udp",
		Priority:   Priority(TypeSrflx, 65535, 1),
		Type:       TypeSrflx,
		Origin:     r.Kind(),
		Side:       SideLocal,
		RelAddr:    host.IP,
		RelPort:    host.Port,
		Base:       base,
	}
	res.Candidates = []Candidate{host}
	if mapped != base {
		res.Candidates = append(res.Candidates, srflx)
	}
	return res, nil
}

// Bind выполняет binding request через conn и возвращает отраженный адрес.
// Запрос повторяется до ответа или истечения ctx.
func Bind(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr) (netip.AddrPort, error) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		conn.SetReadDeadline(time.Time{})
	}()

	buf := make([]byte, 1500)
	for {
		if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
			return netip.AddrPort{}, fmt.Errorf("stun send: %w", err)
		}
		deadline := time.Now().Add(defaultSTUNRetransmit)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)

		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					if errors.Is(ctx.Err(), context.DeadlineExceeded) {
						return netip.AddrPort{}, ErrSTUNTimeout
					}
					return netip.AddrPort{}, ctx.Err()
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break // повтор запроса
				}
				return netip.AddrPort{}, fmt.Errorf("stun read: %w", err)
			}
			if !stun.IsMessage(buf[:n]) {
				continue
			}
			resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := resp.Decode(); err != nil || resp.TransactionID != req.TransactionID {
				continue
			}
			if resp.Type != stun.BindingSuccess {
				return netip.AddrPort{}, fmt.Errorf("stun: unexpected response %s", resp.Type)
			}
			return mappedAddress(resp)
		}
	}
}

func mappedAddress(m *stun.Message) (netip.AddrPort, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return addrPortFromIP(xor.IP, xor.Port)
	}
	var plain stun.MappedAddress
	if err := plain.GetFrom(m); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: response without mapped address: %w", err)
	}
	return addrPortFromIP(plain.IP, plain.Port)
}

func addrPortFromIP(ip net.IP, port int) (netip.AddrPort, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("stun: bad mapped ip %v", ip)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
