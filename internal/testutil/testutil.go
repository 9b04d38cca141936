package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// LoadTestEnv loads the .env.test file and sets MONGODB_URL from TEST_MONGODB_URL
func LoadTestEnv(t *testing.T) {
	t.Helper()

	// If MONGODB_URL is already set and not empty (e.g., in CI), use it
	if mongoURL := os.Getenv("MONGODB_URL"); mongoURL != "" {
		t.Log("MONGODB_URL already set in environment")
		return
	}

	// Find .env.test file (might be in parent directories during test runs)
	envPath := findEnvTestFile()
	if envPath == "" {
		t.Log("Warning: .env.test file not found, using environment variables as-is")
		return
	}

	// Load .env.test
	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Warning: Failed to read %s: %v", envPath, err)
		return
	}

	// If TEST_MONGODB_URL exists, set it as MONGODB_URL
	if testMongoURL, exists := envMap["TEST_MONGODB_URL"]; exists {
		os.Setenv("MONGODB_URL", testMongoURL)
		t.Log("MONGODB_URL set from TEST_MONGODB_URL in .env.test")
	}

	// Same for the queue broker
	if testRabbitURL, exists := envMap["TEST_RABBITMQ_URL"]; exists && os.Getenv("RABBITMQ_URL") == "" {
		os.Setenv("RABBITMQ_URL", testRabbitURL)
		t.Log("RABBITMQ_URL set from TEST_RABBITMQ_URL in .env.test")
	}
}

// findEnvTestFile searches for .env.test in current and parent directories
func findEnvTestFile() string {
	// Start from current directory
	dir, _ := os.Getwd()

	// Search up to 5 levels up
	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached root
		}
		dir = parent
	}

	return ""
}
