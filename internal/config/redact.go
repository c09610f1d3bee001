package config

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// Redact returns a copy of cfg safe for admin output: client secrets, the
// redis password and tracing exporter headers are replaced by
// RedactedValue. cfg is not mutated.
func Redact(cfg *Config) *Config {
	cp := *cfg

	cp.Routes = append([]RouteConfig(nil), cfg.Routes...)

	cp.APIs = make(map[string]APIConfig, len(cfg.APIs))
	for name, api := range cfg.APIs {
		cp.APIs[name] = api
	}

	cp.Clients = make(map[string]ClientConfig, len(cfg.Clients))
	for name, client := range cfg.Clients {
		creds := make(map[string]CredentialConfig, len(client.AuthorizedAPIs))
		for api, cred := range client.AuthorizedAPIs {
			cred.Secret = redactString(cred.Secret)
			creds[api] = cred
		}
		client.AuthorizedAPIs = creds
		cp.Clients[name] = client
	}

	cp.Redis.Password = redactString(cfg.Redis.Password)

	if len(cfg.Tracing.Headers) > 0 {
		cp.Tracing.Headers = make(map[string]string, len(cfg.Tracing.Headers))
		for k := range cfg.Tracing.Headers {
			cp.Tracing.Headers[k] = RedactedValue
		}
	}
	cp.Logging.AccessLog.SkipPaths = append([]string(nil), cfg.Logging.AccessLog.SkipPaths...)
	return &cp
}

func redactString(s string) string {
	if s == "" {
		return ""
	}
	return RedactedValue
}
