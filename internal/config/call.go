package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CallConfig is everything a call attempt needs from the environment.
type CallConfig struct {
	// Signaling switch
	SignalingHost     string        `env:"SIGNALING_HOST" envDefault:"master.whispersystems.org"`
	SignalingPort     int           `env:"SIGNALING_PORT" envDefault:"31337"`
	SSL               bool          `env:"SSL" envDefault:"true"`
	TrustStore        string        `env:"TRUST_STORE"`
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	SignalPollTimeout time.Duration `env:"SIGNAL_POLL_TIMEOUT" envDefault:"1500ms"`

	// Relay
	RelayHost       string `env:"RELAY_HOST" envDefault:"relay.whispersystems.org"`
	RelayServerRoot string `env:"RELAY_SERVER_ROOT" envDefault:".whispersystems.org"`

	// Credentials
	LocalNumber string `env:"LOCAL_NUMBER"`
	Password    string `env:"PASSWORD"`

	// OTP counter; empty address keeps the counter in memory
	OtpRedisAddr     string `env:"OTP_REDIS_ADDR"`
	OtpRedisPassword string `env:"OTP_REDIS_PASSWORD"`
	OtpRedisDB       int    `env:"OTP_REDIS_DB" envDefault:"0"`
	OtpKeyPrefix     string `env:"OTP_KEY_PREFIX" envDefault:"securecall:otp:v1"`

	// Handshake timing
	HandshakeWindow     time.Duration `env:"HANDSHAKE_WINDOW" envDefault:"15s"`
	HandshakeRetransmit time.Duration `env:"HANDSHAKE_RETRANSMIT" envDefault:"250ms"`

	// Diagnostics
	Loopback     bool `env:"LOOPBACK" envDefault:"false"`
	LoopbackPort int  `env:"LOOPBACK_PORT" envDefault:"2222"`

	ControlAddr string `env:"CONTROL_ADDR" envDefault:"localhost:50070"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
}

// ValidateCredentials reports whether the config can authenticate signals.
func (conf *CallConfig) ValidateCredentials() error {
	if conf == nil {
		return errors.New("nil call config")
	}
	if strings.TrimSpace(conf.LocalNumber) == "" {
		return errors.New("LOCAL_NUMBER is required")
	}
	if conf.Password == "" {
		return errors.New("PASSWORD is required")
	}
	if conf.SignalingPort <= 0 || conf.SignalingPort > 65535 {
		return fmt.Errorf("invalid SIGNALING_PORT: %d", conf.SignalingPort)
	}
	return nil
}

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the standard logrus logger.
func (conf *CallConfig) ConfigureLogging() error {
	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		return fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(conf.LogFormat) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown LOG_FORMAT: %s", conf.LogFormat)
	}
	return nil
}
