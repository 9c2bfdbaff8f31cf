package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/tokengate/pkg/audit"
	"github.com/stacklok/tokengate/pkg/auth"
	"github.com/stacklok/tokengate/pkg/auth/obo"
	"github.com/stacklok/tokengate/pkg/auth/token"
	"github.com/stacklok/tokengate/pkg/authz"
	"github.com/stacklok/tokengate/pkg/gateway"
	"github.com/stacklok/tokengate/pkg/logger"
	"github.com/stacklok/tokengate/pkg/networking"
)

const (
	// #nosec G101 - this is an environment variable name, not a credential
	envClientSecret = "TOKENGATE_CLIENT_SECRET"

	// Microsoft Entra endpoint templates derived from --tenant-id.
	entraIssuerV2Template = "https://login.microsoftonline.com/%s/v2.0"
	entraIssuerV1Template = "https://sts.windows.net/%s/"
	entraJWKSTemplate     = "https://login.microsoftonline.com/%s/discovery/v2.0/keys"
	entraTokenTemplate    = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// readSecretFromFile reads a secret from a file, cleaning the path and trimming whitespace
func readSecretFromFile(filePath string) (string, error) {
	// Clean the file path to prevent path traversal
	cleanPath := filepath.Clean(filePath)
	logger.Debugf("Reading secret from file: %s", cleanPath)
	// #nosec G304 - file path is cleaned above
	secretBytes, err := os.ReadFile(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", cleanPath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", cleanPath)
	}
	return secret, nil
}

// resolveSecret resolves a secret from multiple sources following a standard priority order.
// Priority: 1. Flag value, 2. File, 3. Environment variable
func resolveSecret(flagValue, filePath, envVarName string) (string, error) {
	// 1. Check if provided directly via flag
	if flagValue != "" {
		logger.Debug("Using secret from command-line flag")
		return flagValue, nil
	}

	// 2. Check if provided via file
	if filePath != "" {
		return readSecretFromFile(filePath)
	}

	// 3. Check environment variable
	if secret := os.Getenv(envVarName); secret != "" {
		logger.Debugf("Using secret from %s environment variable", envVarName)
		return secret, nil
	}

	return "", nil
}

// GatewayFlags holds the gateway configuration.
type GatewayFlags struct {
	Host string
	Port int

	// Identity provider
	TenantID         string
	Issuers          []string
	Audiences        []string
	JWKSURL          string
	TokenURL         string
	CACertPath       string
	AllowPrivateIP   bool
	JWKSTTL          time.Duration
	ClientID         string
	ClientSecret     string
	ClientSecretFile string

	// Delegation
	Scopes            []string
	TokenSafetyMargin time.Duration
	RetryMaxTries     uint
	RetryInitialDelay time.Duration

	// Local development
	AuthDisabled bool
	LocalSubject string
}

// AddFlags registers the gateway flags on the given command.
func (f *GatewayFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Host, "host", "127.0.0.1", "Host address to bind the server to")
	cmd.Flags().IntVar(&f.Port, "port", 8080, "Port to bind the server to")

	cmd.Flags().StringVar(&f.TenantID, "tenant-id", "",
		"Identity provider tenant id; expands to default issuer, JWKS and token endpoints")
	cmd.Flags().StringSliceVar(&f.Issuers, "issuer", nil,
		"Accepted token issuer (repeatable)")
	cmd.Flags().StringSliceVar(&f.Audiences, "audience", nil,
		"Accepted token audience (repeatable)")
	cmd.Flags().StringVar(&f.JWKSURL, "jwks-url", "", "JWKS endpoint URL")
	cmd.Flags().StringVar(&f.TokenURL, "token-url", "", "OAuth token endpoint URL for on-behalf-of exchange")
	cmd.Flags().StringVar(&f.CACertPath, "ca-cert", "", "Path to CA certificate bundle for identity provider endpoints")
	cmd.Flags().BoolVar(&f.AllowPrivateIP, "allow-private-ip", false,
		"Allow identity provider endpoints on private IP addresses (development only)")
	cmd.Flags().DurationVar(&f.JWKSTTL, "jwks-ttl", 0, "How long fetched signing keys stay fresh (0 = default)")
	cmd.Flags().StringVar(&f.ClientID, "client-id", "", "Confidential client id for on-behalf-of exchange")
	cmd.Flags().StringVar(&f.ClientSecret, "client-secret", "",
		"Confidential client secret (prefer --client-secret-file or "+envClientSecret+")")
	cmd.Flags().StringVar(&f.ClientSecretFile, "client-secret-file", "", "Path to file containing the client secret")

	cmd.Flags().StringSliceVar(&f.Scopes, "scope", nil, "Downstream scope to request (repeatable)")
	cmd.Flags().DurationVar(&f.TokenSafetyMargin, "token-safety-margin", 0,
		"How much lifetime a cached downstream token must have left to be reused (0 = default)")
	cmd.Flags().UintVar(&f.RetryMaxTries, "retry-max-tries", 0,
		"Total exchange attempts per request, including the first (0 = default)")
	cmd.Flags().DurationVar(&f.RetryInitialDelay, "retry-initial-delay", 0,
		"Initial delay between exchange retries (0 = default)")

	cmd.Flags().BoolVar(&f.AuthDisabled, "auth-disabled", false,
		"Disable authentication and use a fixed local identity (development only)")
	cmd.Flags().StringVar(&f.LocalSubject, "local-subject", "local-user",
		"Subject to use when authentication is disabled")
}

// expandTenantDefaults derives provider endpoints and issuer forms from the
// tenant id for anything not set explicitly. Entra publishes v1 and v2
// issuer forms for the same tenant; both are accepted.
func (f *GatewayFlags) expandTenantDefaults() {
	if f.TenantID == "" {
		return
	}
	if len(f.Issuers) == 0 {
		f.Issuers = []string{
			fmt.Sprintf(entraIssuerV2Template, f.TenantID),
			fmt.Sprintf(entraIssuerV1Template, f.TenantID),
		}
	}
	if f.JWKSURL == "" {
		f.JWKSURL = fmt.Sprintf(entraJWKSTemplate, f.TenantID)
	}
	if f.TokenURL == "" {
		f.TokenURL = fmt.Sprintf(entraTokenTemplate, f.TenantID)
	}
	if len(f.Audiences) == 0 && f.ClientID != "" {
		// Tokens may carry the bare client id or the api:// form.
		f.Audiences = []string{f.ClientID, "api://" + f.ClientID}
	}
}

// Validate checks that the configuration is complete. It runs before the
// server starts so misconfiguration fails fast instead of on the first
// request.
func (f *GatewayFlags) Validate() error {
	if f.AuthDisabled {
		logger.Warnf("authentication is DISABLED; all requests act as %q", f.LocalSubject)
	} else {
		if len(f.Issuers) == 0 {
			return fmt.Errorf("at least one --issuer (or --tenant-id) is required")
		}
		if len(f.Audiences) == 0 {
			return fmt.Errorf("at least one --audience (or --tenant-id with --client-id) is required")
		}
		if f.JWKSURL == "" {
			return fmt.Errorf("--jwks-url (or --tenant-id) is required")
		}
	}

	if f.TokenURL == "" {
		return fmt.Errorf("--token-url (or --tenant-id) is required")
	}
	if f.ClientID == "" {
		return fmt.Errorf("--client-id is required")
	}
	return nil
}

// BuildPipeline assembles the delegation pipeline from the flags.
func (f *GatewayFlags) BuildPipeline() (*gateway.Pipeline, error) {
	f.expandTenantDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}

	clientSecret, err := resolveSecret(f.ClientSecret, f.ClientSecretFile, envClientSecret)
	if err != nil {
		return nil, err
	}
	if clientSecret == "" {
		return nil, fmt.Errorf("a client secret is required: use --client-secret-file or %s", envClientSecret)
	}

	var validator auth.Validator
	if f.AuthDisabled {
		validator = auth.NewLocalValidator(f.LocalSubject)
	} else {
		validator, err = token.NewValidator(token.ValidatorConfig{
			Issuers:        f.Issuers,
			Audiences:      f.Audiences,
			JWKSURL:        f.JWKSURL,
			CACertPath:     f.CACertPath,
			AllowPrivateIP: f.AllowPrivateIP,
			JWKSTTL:        f.JWKSTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create token validator: %w", err)
		}
	}

	exchangeClient, err := networking.NewHttpClientBuilder().
		WithCABundle(f.CACertPath).
		WithPrivateIPs(f.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange HTTP client: %w", err)
	}

	var exchangerOpts []obo.ExchangerOption
	if f.TokenSafetyMargin > 0 {
		exchangerOpts = append(exchangerOpts, obo.WithSafetyMargin(f.TokenSafetyMargin))
	}
	if f.RetryMaxTries > 0 {
		exchangerOpts = append(exchangerOpts, obo.WithMaxTries(f.RetryMaxTries))
	}
	if f.RetryInitialDelay > 0 {
		exchangerOpts = append(exchangerOpts, obo.WithInitialRetryDelay(f.RetryInitialDelay))
	}

	exchanger, err := obo.NewExchanger(&obo.ExchangeConfig{
		TokenURL:     f.TokenURL,
		ClientID:     f.ClientID,
		ClientSecret: clientSecret,
		Scopes:       f.Scopes,
		HTTPClient:   exchangeClient,
	}, exchangerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchanger: %w", err)
	}

	auditor := audit.NewAuditor(os.Stdout)
	return gateway.NewPipeline(validator, authz.NewGuard(auditor), exchanger, auditor), nil
}

// Realm returns the authentication realm advertised in WWW-Authenticate
// challenges.
func (f *GatewayFlags) Realm() string {
	if len(f.Issuers) > 0 {
		return f.Issuers[0]
	}
	return ""
}
