package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		OpenAIKey:      "sk-test",
		JWTSecret:      "secret",
		MaxParallel:    8,
		MaxParallelCap: 32,
		MemHighPercent: 0.85,
		MemLowPercent:  0.70,
		LeaseTTL:       10 * time.Minute,
		StageTimeouts: map[string]time.Duration{
			"E": 30 * time.Second,
			"F": 120 * time.Second,
		},
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateMissingSecrets(t *testing.T) {
	// Missing env vars surface as a Validate error for the caller's
	// config-failure exit path, never an os.Exit inside Load.
	c := validConfig()
	c.OpenAIKey = ""
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() accepted an empty OPENAI_API_KEY")
	}
	c = validConfig()
	c.JWTSecret = ""
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() accepted an empty JWT_SECRET")
	}
}

func TestValidateLeaseTTLTooShort(t *testing.T) {
	// §4.3: T >= 3x expected max stage duration.
	c := validConfig()
	c.LeaseTTL = 5 * time.Minute
	c.StageTimeouts["F"] = 3 * time.Minute
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() accepted a lease TTL under 3x the longest stage timeout")
	}
}

func TestValidateMemoryThresholds(t *testing.T) {
	c := validConfig()
	c.MemLowPercent = 0.90
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() accepted low >= high memory threshold")
	}
}

func TestValidateParallelCap(t *testing.T) {
	c := validConfig()
	c.MaxParallel = 64
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() accepted max_parallel above the hard cap")
	}
}
