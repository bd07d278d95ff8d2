package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Database
	out.Database = cfg.Database
	redact(&out.Database.DSN)
	redact(&out.Database.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// Archive
	out.Archive = cfg.Archive
	redact(&out.Archive.S3.AccessKey)
	redact(&out.Archive.S3.SecretKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.Webhook.URL)
	redact(&out.Notify.Webhook.Secret)
	redact(&out.Notify.Email.Password)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Throttle.PerTypeCooldownSeconds != nil {
		out.Throttle.PerTypeCooldownSeconds = make(map[string]int, len(cfg.Throttle.PerTypeCooldownSeconds))
		for k, v := range cfg.Throttle.PerTypeCooldownSeconds {
			out.Throttle.PerTypeCooldownSeconds[k] = v
		}
	}
	if cfg.Throttle.PerSeverityCooldownSeconds != nil {
		out.Throttle.PerSeverityCooldownSeconds = make(map[string]int, len(cfg.Throttle.PerSeverityCooldownSeconds))
		for k, v := range cfg.Throttle.PerSeverityCooldownSeconds {
			out.Throttle.PerSeverityCooldownSeconds[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
