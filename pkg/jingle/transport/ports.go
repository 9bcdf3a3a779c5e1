package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// PortRange диапазон портов
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// PortAllocator выдает четные порты для кандидатов: порт RTP и следующий за ним RTCP
type PortAllocator struct {
	portRange PortRange
	ip        netip.Addr
	usedPorts map[int]bool
	mutex     sync.Mutex
}

// NewPortAllocator создает аллокатор для адреса ip
func NewPortAllocator(ip netip.Addr, portRange PortRange) (*PortAllocator, error) {
	if err := ValidatePortRange(portRange); err != nil {
		return nil, err
	}
	return &PortAllocator{
		portRange: portRange,
		ip:        ip,
		usedPorts: make(map[int]bool),
	}, nil
}

// Allocate выделяет пару портов и возвращает порт RTP (всегда четный)
func (pa *PortAllocator) Allocate() (int, error) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()

	start := pa.portRange.Min
	if start%2 != 0 {
		start++
	}
	for port := start; port < pa.portRange.Max; port += 2 {
		if pa.usedPorts[port] || pa.usedPorts[port+1] {
			continue
		}
		if pa.canBindPort(port) && pa.canBindPort(port+1) {
			pa.usedPorts[port] = true
			pa.usedPorts[port+1] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("не удалось найти свободную пару портов в диапазоне %d-%d",
		pa.portRange.Min, pa.portRange.Max)
}

// Release освобождает пару, начинающуюся с port
func (pa *PortAllocator) Release(port int) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	delete(pa.usedPorts, port)
	delete(pa.usedPorts, port+1)
}

// InUse проверяет, выдан ли порт
func (pa *PortAllocator) InUse(port int) bool {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	return pa.usedPorts[port]
}

// Available количество свободных пар
func (pa *PortAllocator) Available() int {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	return (pa.portRange.Max-pa.portRange.Min)/2 - len(pa.usedPorts)/2
}

// canBindPort проверяет, что порт не занят системой
func (pa *PortAllocator) canBindPort(port int) bool {
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(pa.ip, uint16(port)))
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ValidatePortRange проверяет корректность диапазона портов
func ValidatePortRange(r PortRange) error {
	if r.Min < 1024 {
		return fmt.Errorf("минимальный порт не может быть меньше 1024 (привилегированные порты)")
	}
	if r.Max > 65535 {
		return fmt.Errorf("максимальный порт не может быть больше 65535")
	}
	if r.Max-r.Min < 2 {
		return fmt.Errorf("диапазон портов слишком мал для размещения пары RTP/RTCP: %d-%d", r.Min, r.Max)
	}
	return nil
}
