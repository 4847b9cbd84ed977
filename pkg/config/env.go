package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment variables recognized for credential strategy selection.
// Exactly one family needs to be present: the API key selects the Gemini
// strategy, the service-account variables select Vertex AI.
const (
	EnvAPIKey          = "GEMINI_API_KEY"
	EnvOAuthKeyFile    = "VERTEX_SERVICE_ACCOUNT"
	EnvOAuthJSON       = "VERTEX_JSON_CREDENTIALS"
	EnvOAuthProjectID  = "VERTEX_PROJECT_ID"
	EnvOAuthLocation   = "VERTEX_LOCATION"
	EnvDefaultLocation = "us-central1"
)

// FromEnv builds a Config from the environment. A .env file in the working
// directory is honored when present (best-effort, matching godotenv
// semantics). Explicit environment variables win over .env entries.
func FromEnv() *Config {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.Auth = authFromEnv()
	cfg.SetDefaults()
	return cfg
}

func authFromEnv() AuthConfig {
	auth := AuthConfig{
		APIKey:      os.Getenv(EnvAPIKey),
		KeyFilePath: os.Getenv(EnvOAuthKeyFile),
		JSONContent: os.Getenv(EnvOAuthJSON),
		ProjectID:   os.Getenv(EnvOAuthProjectID),
		Location:    os.Getenv(EnvOAuthLocation),
	}

	switch {
	case auth.KeyFilePath != "" || auth.JSONContent != "" || auth.ProjectID != "":
		auth.Strategy = StrategyVertexAI
		if auth.Location == "" {
			auth.Location = EnvDefaultLocation
		}
	case auth.APIKey != "":
		auth.Strategy = StrategyGemini
	}

	return auth
}
