package routes

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/marcelsud/webhook-relay/webhook"
)

// Wildcard is the rule source that matches events no exact rule claimed
const Wildcard = "*"

/* Destination is a named HTTP endpoint that can receive forwarded events
 * Names are unique within one configuration
 */
type Destination struct {
	Name      string
	URL       *url.URL
	RateLimit float64 // Optional: max requests per second, 0 means unlimited
}

// Validate checks if the destination is usable
func (d Destination) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: destination name cannot be empty", webhook.ErrConfig)
	}
	if d.URL == nil {
		return fmt.Errorf("%w: url cannot be empty for destination %s", webhook.ErrConfig, d.Name)
	}
	if d.URL.Scheme != "http" && d.URL.Scheme != "https" {
		return fmt.Errorf("%w: url for destination %s must be http or https (got %q)", webhook.ErrConfig, d.Name, d.URL.String())
	}
	if d.URL.Host == "" {
		return fmt.Errorf("%w: url for destination %s has no host", webhook.ErrConfig, d.Name)
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit cannot be negative for destination %s", webhook.ErrConfig, d.Name)
	}
	return nil
}

// ParseDestination builds a destination from a name and a raw URL
func ParseDestination(name, rawURL string) (Destination, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Destination{}, fmt.Errorf("%w: parsing url for destination %s: %v", webhook.ErrConfig, name, err)
	}
	d := Destination{Name: strings.TrimSpace(name), URL: u}
	if err := d.Validate(); err != nil {
		return Destination{}, err
	}
	return d, nil
}

// DeliveryRule binds an event source to a destination name
type DeliveryRule struct {
	Source      string // exact source label or Wildcard
	Destination string
}

// Validate checks the rule on its own; references are checked by NewTable
func (r DeliveryRule) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("%w: rule source cannot be empty (use %q to match any source)", webhook.ErrConfig, Wildcard)
	}
	if strings.TrimSpace(r.Destination) == "" {
		return fmt.Errorf("%w: rule for source %s has no destination", webhook.ErrConfig, r.Source)
	}
	return nil
}

// IsWildcard reports whether the rule is a fallback rule
func (r DeliveryRule) IsWildcard() bool {
	return r.Source == Wildcard
}
