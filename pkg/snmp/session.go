package snmp

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

const (
	DefaultPort    = 161
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 2
	// DefaultMaxOids 单个 GET 请求携带的最大 OID 数
	DefaultMaxOids = 60
)

// Config SNMP 目标与认证参数
type Config struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	// Version "1"、"2c"、"3"；为空时设置了 User 使用 3，否则 2c
	Version   string `mapstructure:"version" validate:"omitempty,oneof=1 2 2c 3"`
	Community string `mapstructure:"community"`

	User         string `mapstructure:"user"`
	AuthProtocol string `mapstructure:"auth_protocol" validate:"omitempty,oneof=md5 sha sha224 sha256 sha384 sha512 MD5 SHA SHA224 SHA256 SHA384 SHA512"`
	AuthPassword string `mapstructure:"auth_password"`
	PrivProtocol string `mapstructure:"priv_protocol" validate:"omitempty,oneof=des aes aes192 aes256 aes192c aes256c DES AES AES192 AES256 AES192C AES256C"`
	PrivPassword string `mapstructure:"priv_password"`
	ContextName  string `mapstructure:"context_name"`

	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries" validate:"min=0"`
	MaxOids int           `mapstructure:"max_oids" validate:"min=0"`
}

// ResolvedVersion 实际使用的协议版本
func (c Config) ResolvedVersion() string {
	switch c.Version {
	case "":
		if c.User != "" {
			return "3"
		}
		return "2c"
	case "2":
		return "2c"
	}
	return c.Version
}

func (cfg Config) withDefaults() Config {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOids <= 0 {
		cfg.MaxOids = DefaultMaxOids
	}
	if cfg.Community == "" {
		cfg.Community = "public"
	}
	return cfg
}

// newGoSNMP 将配置转换为 gosnmp 会话参数（未连接）
func newGoSNMP(cfg Config) (*gosnmp.GoSNMP, error) {
	g := &gosnmp.GoSNMP{
		Target:  cfg.Host,
		Port:    uint16(cfg.Port),
		Timeout: cfg.Timeout,
		Retries: cfg.Retries,
		MaxOids: cfg.MaxOids,
	}

	switch cfg.ResolvedVersion() {
	case "1":
		g.Version = gosnmp.Version1
		g.Community = cfg.Community
	case "2c":
		g.Version = gosnmp.Version2c
		g.Community = cfg.Community
	case "3":
		if cfg.User == "" {
			return nil, collecterr.InvalidCommand("snmp", "", "snmp v3 requires a user")
		}
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		g.ContextName = cfg.ContextName
		g.MsgFlags = msgFlags(cfg)
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cfg.User,
			AuthenticationProtocol:   mapAuthProto(cfg.AuthProtocol, cfg.AuthPassword),
			AuthenticationPassphrase: cfg.AuthPassword,
			PrivacyProtocol:          mapPrivProto(cfg.PrivProtocol, cfg.PrivPassword),
			PrivacyPassphrase:        cfg.PrivPassword,
		}
	default:
		return nil, collecterr.InvalidCommand("snmp", "", "unsupported snmp version %q (possible: 1, 2c, 3)", cfg.Version)
	}
	return g, nil
}

func msgFlags(cfg Config) gosnmp.SnmpV3MsgFlags {
	hasAuth := cfg.AuthPassword != "" && !strings.EqualFold(cfg.AuthProtocol, "noauth")
	hasPriv := hasAuth && cfg.PrivPassword != "" && !strings.EqualFold(cfg.PrivProtocol, "nopriv")
	switch {
	case hasAuth && hasPriv:
		return gosnmp.AuthPriv
	case hasAuth:
		return gosnmp.AuthNoPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

// mapAuthProto 设置了口令但未指定协议时使用 MD5
func mapAuthProto(s, passphrase string) gosnmp.SnmpV3AuthProtocol {
	if passphrase == "" {
		return gosnmp.NoAuth
	}
	switch strings.ToLower(s) {
	case "sha":
		return gosnmp.SHA
	case "sha224":
		return gosnmp.SHA224
	case "sha256":
		return gosnmp.SHA256
	case "sha384":
		return gosnmp.SHA384
	case "sha512":
		return gosnmp.SHA512
	default:
		return gosnmp.MD5
	}
}

// mapPrivProto 设置了口令但未指定协议时使用 DES
func mapPrivProto(s, passphrase string) gosnmp.SnmpV3PrivProtocol {
	if passphrase == "" {
		return gosnmp.NoPriv
	}
	switch strings.ToLower(s) {
	case "aes":
		return gosnmp.AES
	case "aes192":
		return gosnmp.AES192
	case "aes256":
		return gosnmp.AES256
	case "aes192c":
		return gosnmp.AES192C
	case "aes256c":
		return gosnmp.AES256C
	default:
		return gosnmp.DES
	}
}

func (c Config) String() string {
	return fmt.Sprintf("%s:%d/v%s", c.Host, c.Port, c.ResolvedVersion())
}
