package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "STUDYSYNC_CONFIG"
	EnvRepo      = "STUDYSYNC_REPO"
	EnvBranch    = "STUDYSYNC_BRANCH"
	EnvOwner     = "STUDYSYNC_OWNER"
	EnvAPI       = "STUDYSYNC_API"
	EnvLogLevel  = "STUDYSYNC_LOG_LEVEL"
	EnvTokenFile = "STUDYSYNC_TOKEN_FILE"
)

// envLayer builds a sparse Config from environment variables. Unset
// variables leave fields zero so lower layers fill them in during the merge.
func envLayer() *Config {
	return &Config{
		Owner: os.Getenv(EnvOwner),
		Remote: RemoteConfig{
			API:    os.Getenv(EnvAPI),
			Repo:   os.Getenv(EnvRepo),
			Branch: os.Getenv(EnvBranch),
		},
		Auth: AuthConfig{
			TokenFile: os.Getenv(EnvTokenFile),
		},
		Logging: LoggingConfig{
			LogLevel: os.Getenv(EnvLogLevel),
		},
	}
}
