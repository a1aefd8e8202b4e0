package clickhouse

import (
	"fmt"
	"sort"
	"time"
)

// Options are the connection settings rendered into the DSN.
type Options struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	HTTP     bool

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	MaxExecutionTime time.Duration

	AsyncInsert  bool
	WaitForAsync bool

	// Settings are extra server settings appended to the DSN query.
	Settings map[string]string
}

// Option configures a Client.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Port:            9000,
		Database:        "default",
		User:            "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     10 * time.Second,
	}
}

// WithAddr sets the server address. A zero port keeps the native default.
func WithAddr(host string, port int) Option {
	return func(o *Options) {
		o.Host = host
		if port > 0 {
			o.Port = port
		}
	}
}

// WithAuth selects the database and credentials.
func WithAuth(database, user, password string) Option {
	return func(o *Options) {
		if database != "" {
			o.Database = database
		}
		if user != "" {
			o.User = user
		}
		o.Password = password
	}
}

// WithHTTP switches to the HTTP interface (usually port 8123).
func WithHTTP(enabled bool) Option {
	return func(o *Options) { o.HTTP = enabled }
}

// WithPool sizes the database/sql pool.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(o *Options) {
		if maxOpen > 0 {
			o.MaxOpenConns = maxOpen
		}
		if maxIdle >= 0 {
			o.MaxIdleConns = maxIdle
		}
		if lifetime > 0 {
			o.ConnMaxLifetime = lifetime
		}
	}
}

// WithLimits sets the dial and read timeouts and the server side max_execution_time.
func WithLimits(dial, read, maxExec time.Duration) Option {
	return func(o *Options) {
		o.DialTimeout = dial
		o.ReadTimeout = read
		o.MaxExecutionTime = maxExec
	}
}

// WithAsyncInsert lets the server buffer inserts; wait makes the insert return only once
// the buffer is flushed.
func WithAsyncInsert(enabled, wait bool) Option {
	return func(o *Options) {
		o.AsyncInsert = enabled
		o.WaitForAsync = enabled && wait
	}
}

// WithSetting adds a server setting to every connection.
func WithSetting(name, value string) Option {
	return func(o *Options) {
		if o.Settings == nil {
			o.Settings = map[string]string{}
		}
		o.Settings[name] = value
	}
}

func (o Options) validate() error {
	switch {
	case o.Host == "":
		return fmt.Errorf("clickhouse: host is required")
	case o.Port <= 0 || o.Port > 65535:
		return fmt.Errorf("clickhouse: invalid port %d", o.Port)
	case o.MaxIdleConns > o.MaxOpenConns:
		return fmt.Errorf("clickhouse: max idle %d exceeds max open %d", o.MaxIdleConns, o.MaxOpenConns)
	}
	return nil
}

// settings lists the DSN query parameters in a stable order.
func (o Options) settings() []string {
	var params []string
	if o.DialTimeout > 0 {
		params = append(params, fmt.Sprintf("dial_timeout=%v", o.DialTimeout))
	}
	if o.ReadTimeout > 0 {
		params = append(params, fmt.Sprintf("read_timeout=%v", o.ReadTimeout))
	}
	if o.MaxExecutionTime > 0 {
		params = append(params, fmt.Sprintf("max_execution_time=%d", int(o.MaxExecutionTime.Seconds())))
	}
	if o.AsyncInsert {
		params = append(params, "async_insert=1")
		if o.WaitForAsync {
			params = append(params, "wait_for_async_insert=1")
		}
	}
	names := make([]string, 0, len(o.Settings))
	for k := range o.Settings {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		params = append(params, k+"="+o.Settings[k])
	}
	return params
}
