package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Product holds the non-secret business settings.
type Product struct {
	Pricing  PricingSettings  `yaml:"pricing"`
	Payments PaymentSettings  `yaml:"payments"`
	Access   AccessSettings   `yaml:"access"`
	Chat     ChatSettings     `yaml:"chat"`
	Learning LearningSettings `yaml:"learning"`
}

type PricingSettings struct {
	AmountCents int64  `yaml:"amount_cents"`
	Currency    string `yaml:"currency"`
	Description string `yaml:"description"`
}

type PaymentSettings struct {
	Window       time.Duration `yaml:"window"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AccessSettings struct {
	// Duration of zero means access never expires.
	Duration time.Duration `yaml:"duration"`
	// MaxDownloads of zero means unlimited downloads.
	MaxDownloads int `yaml:"max_downloads"`
}

type ChatSettings struct {
	HistoryWindow   int `yaml:"history_window"`
	MaxMessageChars int `yaml:"max_message_chars"`
}

type LearningSettings struct {
	Step                float64 `yaml:"step"`
	InitialConfidence   float64 `yaml:"initial_confidence"`
	ActivationThreshold float64 `yaml:"activation_threshold"`
	TrainingWeight      float64 `yaml:"training_weight"`
	MaxPatterns         int     `yaml:"max_patterns"`
}

// DefaultProduct returns the compiled-in product settings.
func DefaultProduct() *Product {
	return &Product{
		Pricing: PricingSettings{
			AmountCents: 299,
			Currency:    "USD",
			Description: "Descarga de CV - Lab CV",
		},
		Payments: PaymentSettings{
			Window:       10 * time.Minute,
			PollInterval: 15 * time.Second,
		},
		Access: AccessSettings{
			Duration:     30 * 24 * time.Hour,
			MaxDownloads: 10,
		},
		Chat: ChatSettings{
			HistoryWindow:   20,
			MaxMessageChars: 4000,
		},
		Learning: LearningSettings{
			Step:                0.1,
			InitialConfidence:   0.5,
			ActivationThreshold: 0.6,
			TrainingWeight:      2,
			MaxPatterns:         10,
		},
	}
}

// LoadProductFromPath reads product settings from a YAML file. Keys missing
// from the file keep their default values.
func LoadProductFromPath(path string) (*Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read product config: %w", err)
	}

	product := DefaultProduct()
	if err := yaml.Unmarshal(data, product); err != nil {
		return nil, fmt.Errorf("failed to parse product config: %w", err)
	}
	if err := product.Validate(); err != nil {
		return nil, err
	}
	return product, nil
}

// LoadProductOrDefault loads the product file, falling back to defaults when
// it does not exist.
func LoadProductOrDefault(path string) (*Product, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultProduct(), nil
	}
	product, err := LoadProductFromPath(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultProduct(), nil
	}
	return product, err
}

// Validate checks product settings for values the services cannot work with.
func (p *Product) Validate() error {
	switch {
	case p.Pricing.AmountCents <= 0:
		return fmt.Errorf("pricing.amount_cents must be positive")
	case strings.TrimSpace(p.Pricing.Currency) == "":
		return fmt.Errorf("pricing.currency is required")
	case p.Payments.Window <= 0:
		return fmt.Errorf("payments.window must be positive")
	case p.Payments.PollInterval <= 0:
		return fmt.Errorf("payments.poll_interval must be positive")
	case p.Access.Duration < 0 || p.Access.MaxDownloads < 0:
		return fmt.Errorf("access settings must not be negative")
	case p.Chat.HistoryWindow <= 0:
		return fmt.Errorf("chat.history_window must be positive")
	case p.Learning.Step <= 0 || p.Learning.Step > 1:
		return fmt.Errorf("learning.step must be in (0, 1]")
	case p.Learning.InitialConfidence < 0 || p.Learning.InitialConfidence > 1:
		return fmt.Errorf("learning.initial_confidence must be in [0, 1]")
	case p.Learning.ActivationThreshold < 0 || p.Learning.ActivationThreshold > 1:
		return fmt.Errorf("learning.activation_threshold must be in [0, 1]")
	case p.Learning.TrainingWeight <= 0:
		return fmt.Errorf("learning.training_weight must be positive")
	}
	return nil
}
