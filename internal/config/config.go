package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	DeadLetterTopic string // topic for terminally failed deliveries
	PublishDLQ      bool   // whether to publish dead letters at all
}

type Retry struct {
	MaxAttempts  int           // attempts before a record fails permanently
	BaseInterval time.Duration // first backoff delay
	MaxInterval  time.Duration // backoff cap
	JitterPct    float64       // backoff jitter percentage (0.0-1.0)
}

type Scheduler struct {
	Interval        time.Duration // time between sweeps
	BatchSize       int           // max due records per sweep
	Workers         int           // concurrent dispatches within a sweep
	DispatchTimeout time.Duration // HTTP client timeout per attempt
	AttemptTimeout  time.Duration // overall per-attempt ceiling
	ShutdownGrace   time.Duration // wait for in-flight attempts on shutdown
	HTTPPort        string        // scheduler health/metrics port
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string // RSA public key for JWT validation
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN      int           // number of requests to fail initially
	ResponseDelayMS int           // simulated response delay in milliseconds
	Port            string        // server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // control API port, :8080
	DB           DB
	NSQ          NSQ
	Retry        Retry
	Scheduler    Scheduler
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "deskrelay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "deskrelay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			DeadLetterTopic: getenv("NSQ_DEAD_LETTER_TOPIC", "deliveries_dead"),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Retry: Retry{
			MaxAttempts:  getenvInt("RETRY_MAX_ATTEMPTS", 8),
			BaseInterval: getenvDuration("RETRY_BASE_INTERVAL", 30*time.Second),
			MaxInterval:  getenvDuration("RETRY_MAX_INTERVAL", 6*time.Hour),
			JitterPct:    getenvFloat("RETRY_JITTER_PCT", 0.25),
		},
		Scheduler: Scheduler{
			Interval:        getenvDuration("SWEEP_INTERVAL", 30*time.Second),
			BatchSize:       getenvInt("SWEEP_BATCH_SIZE", 100),
			Workers:         getenvInt("SWEEP_WORKERS", 10),
			DispatchTimeout: getenvDuration("DISPATCH_TIMEOUT", 10*time.Second),
			AttemptTimeout:  getenvDuration("ATTEMPT_TIMEOUT", 15*time.Second),
			ShutdownGrace:   getenvDuration("SHUTDOWN_GRACE", 20*time.Second),
			HTTPPort:        ":" + getenv("SCHEDULER_HTTP_PORT", "8082"),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", false),
			PublicKeyPEM: getenv("AUTH_JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("AUTH_JWT_ISSUER", "deskrelay"),
			Audience:     getenv("AUTH_JWT_AUDIENCE", "deskrelay-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
