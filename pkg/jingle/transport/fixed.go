package transport

import (
	"context"
	"fmt"
	"net/netip"
)

// FixedResolver возвращает один заранее заданный адрес. Порт 0 означает
// выделение порта из Ports.
type FixedResolver struct {
	task

	IP    string
	Port  int
	Ports *PortAllocator
}

// NewFixedResolver создает стратегию с фиксированным адресом
func NewFixedResolver(ip string, port int, ports *PortAllocator) *FixedResolver {
	return &FixedResolver{IP: ip, Port: port, Ports: ports}
}

func (r *FixedResolver) Kind() string { return "fixed" }

func (r *FixedResolver) Resolve(ctx context.Context, notify NotifyFunc) {
	r.run(ctx, notify, r.resolve)
}

func (r *FixedResolver) resolve(ctx context.Context) (Result, error) {
	ip, err := netip.ParseAddr(r.IP)
	if err != nil {
		return Result{}, fmt.Errorf("fixed resolver: %w", err)
	}
	if ip.IsUnspecified() {
		return Result{}, fmt.Errorf("fixed resolver: unspecified address %s cannot be advertised", ip)
	}

	var res Result
	port := r.Port
	if port == 0 {
		if r.Ports == nil {
			return Result{}, fmt.Errorf("fixed resolver: no port and no allocator")
		}
		if port, err = r.Ports.Allocate(); err != nil {
			return Result{}, fmt.Errorf("fixed resolver: %w", err)
		}
		allocated := port
		res.release = func() { r.Ports.Release(allocated) }
	}

	res.Ufrag, res.Pwd = NewCredentials()
	res.Candidates = []Candidate{{
		ID:         newCandidateID(),
		Component:  1,
		Foundation: "1",
		IP:         ip.String(),
		Port:       port,
		Protocol:   "udp",
		Priority:   Priority(TypeHost, 65535, 1),
		Type:       TypeHost,
		Origin:     r.Kind(),
		Side:       SideLocal,
		Base:       netip.AddrPortFrom(ip, uint16(port)),
	}}
	return res, nil
}
