package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server holds the coordination service configuration.
type Server struct {
	ListenAddr   string
	GracePeriod  time.Duration
	EmptyRoomTTL time.Duration
	HistoryURL   string // empty disables call-history recording
}

// Client holds the call client configuration.
type Client struct {
	SignalURL   string
	RoomID      string
	Identity    string
	DisplayName string
	Role        string
	STUNServers []string
}

// LoadServer reads server configuration from a .env file (if present) and
// environment variables. Environment variables take precedence.
func LoadServer() (*Server, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	grace, err := getSeconds("GRACE_PERIOD_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	emptyTTL, err := getSeconds("EMPTY_ROOM_TTL_SECONDS", 10)
	if err != nil {
		return nil, err
	}

	return &Server{
		ListenAddr:   getEnv("LISTEN_ADDR", ":5002"),
		GracePeriod:  grace,
		EmptyRoomTTL: emptyTTL,
		HistoryURL:   os.Getenv("HISTORY_URL"),
	}, nil
}

// LoadClient reads client configuration. SIGNAL_URL, ROOM_ID and IDENTITY
// are required.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	signalURL := os.Getenv("SIGNAL_URL")
	if signalURL == "" {
		return nil, fmt.Errorf("SIGNAL_URL environment variable is required")
	}
	roomID := os.Getenv("ROOM_ID")
	if roomID == "" {
		return nil, fmt.Errorf("ROOM_ID environment variable is required")
	}
	identity := os.Getenv("IDENTITY")
	if identity == "" {
		return nil, fmt.Errorf("IDENTITY environment variable is required")
	}

	return &Client{
		SignalURL:   signalURL,
		RoomID:      roomID,
		Identity:    identity,
		DisplayName: getEnv("DISPLAY_NAME", identity),
		Role:        getEnv("ROLE", "student"),
		STUNServers: getEnvList("STUN_URLS", []string{"stun:stun.l.google.com:19302"}),
	}, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.Fields(v)
	}
	return fallback
}

func getSeconds(key string, fallback int) (time.Duration, error) {
	raw := getEnv(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, raw)
	}
	return time.Duration(n) * time.Second, nil
}
