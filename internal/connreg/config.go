package connreg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sql-agent/internal/sqlutil"

	"github.com/go-sql-driver/mysql"
)

// Config identifies one database target. Two configs with equal field
// values always produce the same Key.
type Config struct {
	Engine      sqlutil.Dialect `json:"databasetype" mapstructure:"engine"`
	Host        string          `json:"host" mapstructure:"host"`
	Port        int             `json:"port" mapstructure:"port"`
	User        string          `json:"username" mapstructure:"user"`
	Password    string          `json:"password" mapstructure:"password"`
	Database    string          `json:"database" mapstructure:"database"`
	SSL         bool            `json:"ssl" mapstructure:"ssl"`
	Environment string          `json:"envirment,omitempty" mapstructure:"environment"`
}

// wireConfig accepts both the canonical field names and the loose shapes
// that older clients send (string ports, "true"/"false" ssl flags).
type wireConfig struct {
	DatabaseType string          `json:"databasetype"`
	Engine       string          `json:"engine"`
	Host         string          `json:"host"`
	Port         json.RawMessage `json:"port"`
	Username     string          `json:"username"`
	User         string          `json:"user"`
	Password     string          `json:"password"`
	Database     string          `json:"database"`
	SSL          json.RawMessage `json:"ssl"`
	Envirment    string          `json:"envirment"`
	Environment  string          `json:"environment"`
}

// UnmarshalJSON decodes a request-supplied connection config.
func (c *Config) UnmarshalJSON(data []byte) error {
	var wire wireConfig
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	engine, err := sqlutil.ParseDialect(firstNonEmpty(wire.DatabaseType, wire.Engine))
	if err != nil {
		return err
	}
	port, err := decodeLooseInt(wire.Port)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	ssl, err := decodeLooseBool(wire.SSL)
	if err != nil {
		return fmt.Errorf("invalid ssl flag: %w", err)
	}

	*c = Config{
		Engine:      engine,
		Host:        strings.TrimSpace(wire.Host),
		Port:        port,
		User:        firstNonEmpty(wire.Username, wire.User),
		Password:    wire.Password,
		Database:    strings.TrimSpace(wire.Database),
		SSL:         ssl,
		Environment: firstNonEmpty(wire.Envirment, wire.Environment),
	}
	return nil
}

// MarshalJSON omits the password.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"databasetype": string(c.Engine),
		"host":         c.Host,
		"port":         c.Port,
		"username":     c.User,
		"database":     c.Database,
		"ssl":          c.SSL,
	})
}

// Normalize fills engine defaults so equal targets compare equal.
func (c Config) Normalize() Config {
	if c.Engine == "" {
		c.Engine = sqlutil.DialectMySQL
	}
	c.Host = strings.ToLower(strings.TrimSpace(c.Host))
	c.Database = strings.TrimSpace(c.Database)
	if c.Engine == sqlutil.DialectSQLite {
		c.Host = ""
		c.Port = 0
		c.User = ""
		c.Password = ""
		c.SSL = false
		return c
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = c.Engine.DefaultPort()
	}
	return c
}

// Validate reports missing fields for the configured engine.
func (c Config) Validate() error {
	if _, err := sqlutil.ParseDialect(string(c.Engine)); err != nil {
		return err
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Engine != sqlutil.DialectSQLite && c.User == "" {
		return fmt.Errorf("username is required for %s", c.Engine)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	return nil
}

// Key returns the cache key for the normalized config. Field order is
// fixed and the password is hashed so keys are safe to log.
func (c Config) Key() string {
	n := c.Normalize()
	sum := sha256.Sum256([]byte(n.Password))
	return strings.Join([]string{
		"engine=" + string(n.Engine),
		"host=" + n.Host,
		"port=" + strconv.Itoa(n.Port),
		"user=" + n.User,
		"password=" + hex.EncodeToString(sum[:8]),
		"database=" + n.Database,
		"ssl=" + strconv.FormatBool(n.SSL),
	}, ";")
}

// Target is a password-free description used in logs and errors.
func (c Config) Target() string {
	n := c.Normalize()
	if n.Engine == sqlutil.DialectSQLite {
		return fmt.Sprintf("sqlite:%s", n.Database)
	}
	return fmt.Sprintf("%s://%s@%s/%s", n.Engine, n.User, net.JoinHostPort(n.Host, strconv.Itoa(n.Port)), n.Database)
}

// DSN returns the driver data source name for the config.
func (c Config) DSN() string {
	n := c.Normalize()
	switch n.Engine {
	case sqlutil.DialectPostgres:
		sslMode := "disable"
		if n.SSL {
			sslMode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(n.User, n.Password),
			Host:     net.JoinHostPort(n.Host, strconv.Itoa(n.Port)),
			Path:     "/" + n.Database,
			RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
		}
		return u.String()
	case sqlutil.DialectSQLite:
		return n.Database + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	default:
		mc := mysql.NewConfig()
		mc.User = n.User
		mc.Passwd = n.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
		mc.DBName = n.Database
		mc.ParseTime = true
		mc.Loc = time.UTC
		if n.SSL {
			mc.TLSConfig = "true"
		}
		return mc.FormatDSN()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func decodeLooseInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func decodeLooseBool(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
