package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TasksTopic     string // NSQ topic for ESP tasks
	WorkerChannel  string // NSQ channel name for workers
}

type ESP struct {
	BaseURL      string // ESP REST API root
	AuthURL      string // token endpoint; empty means BaseURL + /v1/requestToken
	ClientID     string
	ClientSecret string
	MasterList   string // fully active subscriber list
	OptInList    string // double-opt-in holding list
	ConfirmList  string // confirmation marker list
	MobileList   string // SMS opt-in list
	Timeout      time.Duration
	TokenLeeway  time.Duration // refresh the auth token this long before expiry
}

type Retry struct {
	BaseDelay   time.Duration // geometric backoff base unit
	MaxAttempts int           // retries allowed after the original run
}

type Auth struct {
	APIKeys     []string // static keys accepted for private newsletters
	GrantSecret string   // HS256 secret for signed API grants
	GrantIssuer string
	RequireSSL  bool // reject private-newsletter requests on plain HTTP
}

type Gateway struct {
	HTTPPort       string
	BlockedDomains []string // email domains rejected at intake
}

type Worker struct {
	HTTPPort string
}

type Config struct {
	AppName string
	DB      DB
	NSQ     NSQ
	ESP     ESP
	Retry   Retry
	Auth    Auth
	Gateway Gateway
	Worker  Worker
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

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "subgate"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "subgate"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TasksTopic:     getenv("NSQ_TASKS_TOPIC", "esp_tasks"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		ESP: ESP{
			BaseURL:      getenv("ESP_BASE_URL", "https://api.example-esp.com"),
			AuthURL:      getenv("ESP_AUTH_URL", ""),
			ClientID:     getenv("ESP_CLIENT_ID", ""),
			ClientSecret: getenv("ESP_CLIENT_SECRET", ""),
			MasterList:   getenv("ESP_MASTER_LIST", "Master_Subscribers"),
			OptInList:    getenv("ESP_OPTIN_LIST", "Double_Opt_In"),
			ConfirmList:  getenv("ESP_CONFIRM_LIST", "Confirmation"),
			MobileList:   getenv("ESP_MOBILE_LIST", "Mobile_Subscribers"),
			Timeout:      getenvDuration("ESP_TIMEOUT", 15*time.Second),
			TokenLeeway:  getenvDuration("ESP_TOKEN_LEEWAY", 30*time.Second),
		},
		Retry: Retry{
			BaseDelay:   getenvDuration("RETRY_BASE_DELAY", time.Minute),
			MaxAttempts: getenvInt("RETRY_MAX_ATTEMPTS", 8),
		},
		Auth: Auth{
			APIKeys:     getenvList("API_KEYS", nil),
			GrantSecret: getenv("API_GRANT_SECRET", ""),
			GrantIssuer: getenv("API_GRANT_ISSUER", "subgate"),
			RequireSSL:  getenvBool("REQUIRE_SSL", true),
		},
		Gateway: Gateway{
			HTTPPort:       ":" + getenv("GATEWAY_HTTP_PORT", "8080"),
			BlockedDomains: getenvList("BLOCKED_EMAIL_DOMAINS", nil),
		},
		Worker: Worker{
			HTTPPort: ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
