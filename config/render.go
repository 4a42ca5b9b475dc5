package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// document mirrors the config file layout
type document struct {
	WebhookID    string            `yaml:"webhook_id,omitempty"`
	ClientID     string            `yaml:"client_id"`
	Token        string            `yaml:"token,omitempty"`
	Debug        bool              `yaml:"debug"`
	Port         int               `yaml:"port"`
	Redis        redisDocument     `yaml:"redis"`
	Timeout      string            `yaml:"timeout"`
	MaxRetries   int               `yaml:"max_retries"`
	Retryable    []int             `yaml:"retryable_statuses,omitempty"`
	Workers      int               `yaml:"workers"`
	ArchiveTTL   string            `yaml:"archive_ttl"`
	Destinations []destinationDoc  `yaml:"destinations"`
	Delivery     []deliveryRuleDoc `yaml:"delivery"`
}

type redisDocument struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

type destinationDoc struct {
	Name      string  `yaml:"name"`
	URL       string  `yaml:"url"`
	RateLimit float64 `yaml:"rate_limit,omitempty"`
}

type deliveryRuleDoc struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// YAML renders the configuration in the file schema. Secrets are masked.
func (c *ResolvedConfig) YAML() ([]byte, error) {
	doc := document{
		WebhookID:  c.WebhookID,
		ClientID:   c.ClientID,
		Token:      mask(c.Token),
		Debug:      c.Debug,
		Port:       c.Port,
		Timeout:    c.Dispatch.Timeout.String(),
		MaxRetries: c.Dispatch.Policy.MaxRetries,
		Retryable:  c.Dispatch.Policy.RetryableStatuses,
		Workers:    c.Dispatch.Workers,
		ArchiveTTL: c.ArchiveTTL.String(),
		Redis: redisDocument{
			Addr:     c.Redis.Addr,
			Password: mask(c.Redis.Password),
			DB:       c.Redis.DB,
		},
		Destinations: make([]destinationDoc, 0, len(c.Destinations)),
		Delivery:     make([]deliveryRuleDoc, 0, len(c.Rules)),
	}
	for _, d := range c.Destinations {
		doc.Destinations = append(doc.Destinations, destinationDoc{Name: d.Name, URL: d.URL.String(), RateLimit: d.RateLimit})
	}
	for _, r := range c.Rules {
		doc.Delivery = append(doc.Delivery, deliveryRuleDoc{Source: r.Source, Destination: r.Destination})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return out, nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}
