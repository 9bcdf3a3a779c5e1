package jingle

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/jingle/pkg/jingle/transport"
	"github.com/arzzra/jingle/pkg/logging"
)

// Значения по умолчанию
const (
	DefaultReplyTimeout          = 3 * time.Second
	DefaultRetransmits           = 2
	DefaultContentTimeout        = 20 * time.Second
	DefaultSessionDeadline       = 60 * time.Second
	DefaultReapInterval          = 2 * time.Second
	DefaultMaxProtocolViolations = 3
)

// Config настройки менеджера сессий
type Config struct {
	// ReplyTimeout ожидание подтверждения одной исходящей стансы
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	// Retransmits число повторов стансы с тем же id, если подтверждение не пришло
	Retransmits int `yaml:"retransmits"`
	// ContentTimeout срок согласования одного content
	ContentTimeout time.Duration `yaml:"content_timeout"`
	// SessionDeadline срок, за который сессия должна выйти из PENDING
	SessionDeadline time.Duration `yaml:"session_deadline"`
	// ReapInterval период обхода реестра; закрытые сессии удаляются через 2*ReapInterval
	ReapInterval time.Duration `yaml:"reap_interval"`
	// MaxProtocolViolations подряд идущих нарушений протокола до закрытия сессии
	MaxProtocolViolations int `yaml:"max_protocol_violations"`

	ProbeInterval time.Duration `yaml:"probe_interval"`
	// ProbeTries 0 означает пробовать до истечения ContentTimeout
	ProbeTries int `yaml:"probe_tries"`

	Transport transport.Config `yaml:"transport"`

	EnableDTLS           bool `yaml:"enable_dtls"`
	AutoAcceptContentAdd bool `yaml:"auto_accept_content_add"`

	MetricsNamespace string `yaml:"metrics_namespace"`
	LogLevel         string `yaml:"log_level"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		ReplyTimeout:          DefaultReplyTimeout,
		Retransmits:           DefaultRetransmits,
		ContentTimeout:        DefaultContentTimeout,
		SessionDeadline:       DefaultSessionDeadline,
		ReapInterval:          DefaultReapInterval,
		MaxProtocolViolations: DefaultMaxProtocolViolations,
		ProbeInterval:         transport.DefaultProbeInterval,
		Transport:             transport.DefaultConfig(),
		AutoAcceptContentAdd:  true,
		MetricsNamespace:      "jingle",
		LogLevel:              "info",
	}
}

// LoadConfig читает YAML поверх значений по умолчанию
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errInvalidConfig("path", "не удалось прочитать файл").WithCause(err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errInvalidConfig("yaml", "ошибка разбора").WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	switch {
	case c.ReplyTimeout <= 0:
		return errInvalidConfig("reply_timeout", "должен быть положительным")
	case c.Retransmits < 0:
		return errInvalidConfig("retransmits", "не может быть отрицательным")
	case c.ContentTimeout <= 0:
		return errInvalidConfig("content_timeout", "должен быть положительным")
	case c.SessionDeadline <= 0:
		return errInvalidConfig("session_deadline", "должен быть положительным")
	case c.ReapInterval <= 0:
		return errInvalidConfig("reap_interval", "должен быть положительным")
	case c.MaxProtocolViolations < 1:
		return errInvalidConfig("max_protocol_violations", "минимум 1")
	case c.ProbeInterval <= 0:
		return errInvalidConfig("probe_interval", "должен быть положительным")
	case c.ProbeTries < 0:
		return errInvalidConfig("probe_tries", "не может быть отрицательным")
	}
	switch c.Transport.Kind {
	case "", transport.KindFixed, transport.KindSTUN, transport.KindICE, transport.KindBridge:
	default:
		return errInvalidConfig("transport.kind", fmt.Sprintf("неизвестная стратегия %q", c.Transport.Kind))
	}
	if c.Transport.Ports.Max != 0 {
		if err := transport.ValidatePortRange(c.Transport.Ports); err != nil {
			return errInvalidConfig("transport.ports", "неверный диапазон").WithCause(err)
		}
	}
	return nil
}

// Level уровень логирования из LogLevel
func (c *Config) Level() logging.LogLevel {
	return logging.ParseLevel(c.LogLevel)
}

// clone копия, которую менеджер может хранить независимо от вызывающего
func (c *Config) clone() *Config {
	cp := *c
	cp.Transport.STUNURLs = append([]string(nil), c.Transport.STUNURLs...)
	cp.Transport.TURNServers = append([]transport.TURNServer(nil), c.Transport.TURNServers...)
	return &cp
}
