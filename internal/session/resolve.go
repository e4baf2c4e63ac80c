package session

import "github.com/parleyapp/parley/internal/config"

const DefaultSessionName = "main"

// Resolve picks the active session name: the -session flag wins, then the
// config's default_session, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
