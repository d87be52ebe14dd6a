package clients

import (
	"fmt"
	"net"
	"net/url"
	"sort"
)

// SourceKind is the protocol a time source speaks
type SourceKind string

const (
	// SourceKindHTTP is an HTTP(S) endpoint whose body carries an epoch token
	SourceKindHTTP SourceKind = "http"

	// SourceKindDaytime is a plaintext daytime (RFC 867) host
	SourceKindDaytime SourceKind = "daytime"
)

// TimeSourceConfig holds configuration for one external time source
type TimeSourceConfig struct {
	Name     string     `yaml:"name" json:"name"`
	Kind     SourceKind `yaml:"kind" json:"kind"`
	URL      string     `yaml:"url,omitempty" json:"url,omitempty"`           // http
	Address  string     `yaml:"address,omitempty" json:"address,omitempty"`   // daytime, host:port
	JSONPath string     `yaml:"json_path,omitempty" json:"jsonPath,omitempty"` // gjson path narrowing the scan
	Priority int        `yaml:"priority" json:"priority"`                      // Higher priority sources are tried first
	Active   bool       `yaml:"active" json:"active"`
}

// DefaultTimeSources returns the built-in source catalog
func DefaultTimeSources() []TimeSourceConfig {
	return []TimeSourceConfig{
		{
			Name:     "akamai",
			Kind:     SourceKindHTTP,
			URL:      "https://time.akamai.com/",
			Priority: 100,
			Active:   true,
		},
		{
			Name:     "cloudflare",
			Kind:     SourceKindHTTP,
			URL:      "https://cloudflare.com/cdn-cgi/trace",
			Priority: 90,
			Active:   true,
		},
		{
			Name:     "worldtimeapi",
			Kind:     SourceKindHTTP,
			URL:      "https://worldtimeapi.org/api/timezone/Etc/UTC",
			JSONPath: "unixtime",
			Priority: 80,
			Active:   true,
		},
		{
			Name:     "nist",
			Kind:     SourceKindDaytime,
			Address:  "time.nist.gov:13",
			Priority: 100,
			Active:   true,
		},
		{
			Name:     "nist-a",
			Kind:     SourceKindDaytime,
			Address:  "time-a-g.nist.gov:13",
			Priority: 90,
			Active:   true,
		},
		{
			Name:     "nist-b",
			Kind:     SourceKindDaytime,
			Address:  "time-b-g.nist.gov:13",
			Priority: 80,
			Active:   true,
		},
	}
}

// ValidateTimeSource checks that a source can be dialed
func ValidateTimeSource(src TimeSourceConfig) error {
	switch src.Kind {
	case SourceKindHTTP:
		u, err := url.Parse(src.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("source %q: invalid url %q", src.Name, src.URL)
		}
	case SourceKindDaytime:
		if _, _, err := net.SplitHostPort(src.Address); err != nil {
			return fmt.Errorf("source %q: invalid address %q: %w", src.Name, src.Address, err)
		}
	default:
		return fmt.Errorf("source %q: unknown kind %q", src.Name, src.Kind)
	}
	return nil
}

// ActiveTimeSources returns the active sources of one kind, highest priority first
func ActiveTimeSources(all []TimeSourceConfig, kind SourceKind) []TimeSourceConfig {
	var active []TimeSourceConfig
	for _, src := range all {
		if src.Active && src.Kind == kind {
			active = append(active, src)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})
	return active
}
