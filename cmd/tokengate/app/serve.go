package app

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/tokengate/pkg/gateway"
	"github.com/stacklok/tokengate/pkg/logger"
)

var serveFlags GatewayFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tokengate server",
	Long:  `Starts the delegated-identity gateway and listens for HTTP requests.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Ensure server is shutdown gracefully on Ctrl+C.
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		serveFlags.applyEnvOverrides(cmd)

		pipeline, err := serveFlags.BuildPipeline()
		if err != nil {
			return err
		}

		address := fmt.Sprintf("%s:%d", serveFlags.Host, serveFlags.Port)
		return gateway.Serve(ctx, address, pipeline, serveFlags.Realm())
	},
}

func init() {
	serveFlags.AddFlags(serveCmd)

	// Every flag can also be set via TOKENGATE_* environment variables,
	// e.g. TOKENGATE_TENANT_ID for --tenant-id.
	viper.SetEnvPrefix("TOKENGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(serveCmd.Flags()); err != nil {
		logger.Errorf("Error binding serve flags: %v", err)
	}
}

// applyEnvOverrides fills in every flag the user did not set on the command
// line from its bound TOKENGATE_* environment variable. The client secret is
// deliberately excluded: resolveSecret reads its environment variable last,
// after the flag and the secret file.
func (f *GatewayFlags) applyEnvOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	unset := func(name string) bool { return !flags.Changed(name) }

	if unset("host") {
		f.Host = viper.GetString("host")
	}
	if unset("port") {
		f.Port = viper.GetInt("port")
	}
	if unset("tenant-id") {
		f.TenantID = viper.GetString("tenant-id")
	}
	if unset("issuer") {
		f.Issuers = viper.GetStringSlice("issuer")
	}
	if unset("audience") {
		f.Audiences = viper.GetStringSlice("audience")
	}
	if unset("jwks-url") {
		f.JWKSURL = viper.GetString("jwks-url")
	}
	if unset("token-url") {
		f.TokenURL = viper.GetString("token-url")
	}
	if unset("ca-cert") {
		f.CACertPath = viper.GetString("ca-cert")
	}
	if unset("allow-private-ip") {
		f.AllowPrivateIP = viper.GetBool("allow-private-ip")
	}
	if unset("jwks-ttl") {
		f.JWKSTTL = viper.GetDuration("jwks-ttl")
	}
	if unset("client-id") {
		f.ClientID = viper.GetString("client-id")
	}
	if unset("client-secret-file") {
		f.ClientSecretFile = viper.GetString("client-secret-file")
	}
	if unset("scope") {
		f.Scopes = viper.GetStringSlice("scope")
	}
	if unset("token-safety-margin") {
		f.TokenSafetyMargin = viper.GetDuration("token-safety-margin")
	}
	if unset("retry-max-tries") {
		f.RetryMaxTries = viper.GetUint("retry-max-tries")
	}
	if unset("retry-initial-delay") {
		f.RetryInitialDelay = viper.GetDuration("retry-initial-delay")
	}
	if unset("auth-disabled") {
		f.AuthDisabled = viper.GetBool("auth-disabled")
	}
	if unset("local-subject") {
		f.LocalSubject = viper.GetString("local-subject")
	}
}
