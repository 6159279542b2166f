package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.IP != b.IP ||
		a.Port != b.Port ||
		a.SessionCookie != b.SessionCookie ||
		a.Verbose != b.Verbose ||
		a.ReverseProxy != b.ReverseProxy ||
		a.ForwardIP != b.ForwardIP ||
		a.ForwardPort != b.ForwardPort ||
		a.ProxyPathPrefix != b.ProxyPathPrefix ||
		a.TimeoutSeconds != b.TimeoutSeconds {
		return true
	}
	if a.Sessions != b.Sessions {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	return a.Admin != b.Admin
}
