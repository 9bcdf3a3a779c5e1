package transport

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

// ICEResolver собирает кандидатов агентом pion/ice. Агент закрывается сразу
// после сбора, сокеты host-кандидатов заново открывает проверка связности.
type ICEResolver struct {
	task

	URLs            []*stun.URI
	IncludeLoopback bool
	CandidateTypes  []ice.CandidateType
}

// NewICEResolver создает стратегию ICE. Пустой список urls дает только host-кандидатов.
func NewICEResolver(urls []*stun.URI) *ICEResolver {
	return &ICEResolver{
		URLs:           urls,
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive, ice.CandidateTypeRelay},
	}
}

// ParseURLs разбирает stun:/turn: адреса, для turn подставляя учетные данные
func ParseURLs(stunURLs []string, turn []TURNServer) ([]*stun.URI, error) {
	var out []*stun.URI
	for _, raw := range stunURLs {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("stun url %q: %w", raw, err)
		}
		out = append(out, u)
	}
	for _, t := range turn {
		u, err := stun.ParseURI(t.URL)
		if err != nil {
			return nil, fmt.Errorf("turn url %q: %w", t.URL, err)
		}
		u.Username = t.Username
		u.Password = t.Credential
		out = append(out, u)
	}
	return out, nil
}

// TURNServer адрес relay-сервера с учетными данными
type TURNServer struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
}

func (r *ICEResolver) Kind() string { return "ice" }

func (r *ICEResolver) Resolve(ctx context.Context, notify NotifyFunc) {
	r.run(ctx, notify, r.resolve)
}

func (r *ICEResolver) resolve(ctx context.Context) (Result, error) {
	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:            r.URLs,
		NetworkTypes:    []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes:  r.CandidateTypes,
		IncludeLoopback: r.IncludeLoopback,
	})
	if err != nil {
		return Result{}, fmt.Errorf("ice resolver: %w", err)
	}
	defer agent.Close()

	found := make(chan ice.Candidate, 16)
	gathered := make(chan struct{})
	if err := agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			close(gathered)
			return
		}
		select {
		case found <- c:
		case <-ctx.Done():
		}
	}); err != nil {
		return Result{}, fmt.Errorf("ice resolver: %w", err)
	}
	if err := agent.GatherCandidates(); err != nil {
		return Result{}, fmt.Errorf("ice resolver: %w", err)
	}

	var res Result
	collect := func(c ice.Candidate) {
		if cand, ok := fromICE(c); ok {
			res.Candidates = append(res.Candidates, cand)
		}
	}
	for done := false; !done; {
		select {
		case c := <-found:
			collect(c)
		case <-gathered:
			done = true
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	// дочитываем то, что пришло одновременно с концом сбора
	for drained := false; !drained; {
		select {
		case c := <-found:
			collect(c)
		default:
			drained = true
		}
	}
	if len(res.Candidates) == 0 {
		return Result{}, fmt.Errorf("ice resolver: %w", ErrNoCandidates)
	}

	ufrag, pwd, err := agent.GetLocalUserCredentials()
	if err != nil {
		return Result{}, fmt.Errorf("ice resolver: %w", err)
	}
	res.Ufrag, res.Pwd = ufrag, pwd
	return res, nil
}

func fromICE(c ice.Candidate) (Candidate, bool) {
	ip, err := netip.ParseAddr(c.Address())
	if err != nil {
		// mDNS-имена не объявляем
		return Candidate{}, false
	}
	cand := Candidate{
		ID:         c.ID(),
		Component:  int(c.Component()),
		Foundation: c.Foundation(),
		IP:         ip.String(),
		Port:       c.Port(),
		Protocol:   "udp",
		Priority:   c.Priority(),
		Type:       Type(c.Type().String()),
		Origin:     "ice",
		Side:       SideLocal,
	}
	switch c.Type() {
	case ice.CandidateTypeHost:
		cand.Base = netip.AddrPortFrom(ip, uint16(c.Port()))
	case ice.CandidateTypeServerReflexive, ice.CandidateTypePeerReflexive:
		if rel := c.RelatedAddress(); rel != nil {
			cand.RelAddr, cand.RelPort = rel.Address, rel.Port
			if base, err := netip.ParseAddr(rel.Address); err == nil {
				cand.Base = netip.AddrPortFrom(base, uint16(rel.Port))
			}
		}
	case ice.CandidateTypeRelay:
		// relay обслуживает TURN-сервер, проверка связности с него не ведется
		if rel := c.RelatedAddress(); rel != nil {
			cand.RelAddr, cand.RelPort = rel.Address, rel.Port
		}
	}
	return cand, true
}
