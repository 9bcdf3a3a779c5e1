package transport

import (
	"fmt"

	"github.com/arzzra/jingle/pkg/xmpp"
)

// Имена стратегий для конфигурации
const (
	KindFixed  = "fixed"
	KindSTUN   = "stun"
	KindICE    = "ice"
	KindBridge = "bridge"
)

// Config выбор и параметры стратегии получения кандидатов
type Config struct {
	Kind            string       `yaml:"kind"`
	LocalIP         string       `yaml:"local_ip"`
	Port            int          `yaml:"port"`
	Ports           PortRange    `yaml:"ports"`
	STUNServer      string       `yaml:"stun_server"`
	STUNURLs        []string     `yaml:"stun_urls"`
	TURNServers     []TURNServer `yaml:"turn_servers"`
	BridgeService   string       `yaml:"bridge_service"`
	IncludeLoopback bool         `yaml:"include_loopback"`
}

// DefaultConfig фиксированный адрес на loopback с портами из 10000-20000
func DefaultConfig() Config {
	return Config{
		Kind:    KindFixed,
		LocalIP: "127.0.0.1",
		Ports:   PortRange{Min: 10000, Max: 20000},
	}
}

// Factory создает новую стратегию для content сессии sid
type Factory func(sid, content string) Resolver

// NewFactory строит фабрику по конфигурации. conn нужен только мосту.
func NewFactory(cfg Config, conn xmpp.Transport) (Factory, error) {
	var ports *PortAllocator
	needPorts := cfg.Kind != KindICE && !(cfg.Kind == KindFixed && cfg.Port != 0)
	if needPorts && cfg.Ports.Max != 0 {
		ip, err := parseLocalIP(cfg.LocalIP)
		if err != nil {
			return nil, err
		}
		if ports, err = NewPortAllocator(ip, cfg.Ports); err != nil {
			return nil, err
		}
	}

	switch cfg.Kind {
	case KindFixed, "":
		return func(string, string) Resolver {
			return NewFixedResolver(cfg.LocalIP, cfg.Port, ports)
		}, nil
	case KindSTUN:
		if cfg.STUNServer == "" {
			return nil, fmt.Errorf("transport: stun_server is required for kind %q", cfg.Kind)
		}
		return func(string, string) Resolver {
			return NewSTUNResolver(cfg.STUNServer, cfg.LocalIP, ports)
		}, nil
	case KindICE:
		urls, err := ParseURLs(cfg.STUNURLs, cfg.TURNServers)
		if err != nil {
			return nil, err
		}
		return func(string, string) Resolver {
			r := NewICEResolver(urls)
			r.IncludeLoopback = cfg.IncludeLoopback
			return r
		}, nil
	case KindBridge:
		if conn == nil || cfg.BridgeService == "" {
			return nil, fmt.Errorf("transport: bridge requires connection and bridge_service")
		}
		return func(sid, _ string) Resolver {
			return NewBridgeResolver(conn, cfg.BridgeService, sid, cfg.LocalIP, ports)
		}, nil
	}
	return nil, fmt.Errorf("transport: unknown resolver kind %q", cfg.Kind)
}
