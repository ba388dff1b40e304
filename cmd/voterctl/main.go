package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/voterledger/voterledger/internal/config"
	"github.com/voterledger/voterledger/internal/identity"
	"github.com/voterledger/voterledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	registrarURL string
	cfgFile      string
	opToken      string
	outFormat    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voterctl",
	Short: "voterledger registrar CLI",
	Long: `voterctl is the command-line interface for a voterledger registrar.

It registers voters, inspects their notarization status and, with an
operator token, retries notarization and runs recovery passes.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".voterctl"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("VOTERCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if registrarURL == "" {
			registrarURL = viper.GetString("registrar_url")
		}
		if registrarURL == "" {
			registrarURL = "http://localhost:8080"
		}
		if opToken == "" {
			opToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.voterctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&registrarURL, "registrar", "", "registrar base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&opToken, "token", "", "operator bearer token (or VOTERCTL_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(notarizeCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if opToken != "" {
		opts = append(opts, client.WithBearerToken(opToken))
	}
	return client.New(registrarURL, opts...)
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regName      string
	regAddress   string
	regDOB       string
	regSignature string
	regFaceScan  string
)

var registerCmd = &cobra.Command{
	Use:   "register <voter-id>",
	Short: "Register a voter and notarize the record",
	Long: `Register stores a voter and anchors its content hash on the ledger.

Provide the face encoding either as a JSON array file:

  voterctl register V123 --name Alice --address "1 Main St" --dob 1990-01-01 --signature alice.json

or as a face image for the registrar to encode:

  voterctl register V123 --name Alice --address "1 Main St" --dob 1990-01-01 --face-scan alice.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&regName, "name", "", "Voter full name (required)")
	registerCmd.Flags().StringVar(&regAddress, "address", "", "Voter address (required)")
	registerCmd.Flags().StringVar(&regDOB, "dob", "", "Date of birth (required)")
	registerCmd.Flags().StringVar(&regSignature, "signature", "", "Path to a JSON array face encoding")
	registerCmd.Flags().StringVar(&regFaceScan, "face-scan", "", "Path to a face image")
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("address")
	_ = registerCmd.MarkFlagRequired("dob")
	registerCmd.MarkFlagsOneRequired("signature", "face-scan")
	registerCmd.MarkFlagsMutuallyExclusive("signature", "face-scan")
}

func runRegister(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	req := client.RegisterRequest{
		Name:    regName,
		Address: regAddress,
		DOB:     regDOB,
		VoterID: args[0],
	}

	var v *client.Voter
	if regFaceScan != "" {
		img, err := os.ReadFile(regFaceScan)
		if err != nil {
			return fmt.Errorf("read face scan: %w", err)
		}
		v, err = c.RegisterVoterWithFaceScan(cmd.Context(), req, filepath.Base(regFaceScan), img)
		if err != nil {
			return registerError(err)
		}
	} else {
		sig, err := readSignature(regSignature)
		if err != nil {
			return err
		}
		req.BiometricSignature = sig
		v, err = c.RegisterVoter(cmd.Context(), req)
		if err != nil {
			return registerError(err)
		}
	}
	return printVoter(v)
}

func readSignature(path string) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	var sig []float64
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, fmt.Errorf("signature must be a JSON array of numbers: %w", err)
	}
	return sig, nil
}

func registerError(err error) error {
	switch {
	case errors.Is(err, client.ErrDuplicateID):
		return fmt.Errorf("voter id already registered")
	case errors.Is(err, client.ErrInvalidBiometric):
		return fmt.Errorf("biometric rejected: %w", err)
	case errors.Is(err, client.ErrInvalidInput):
		return fmt.Errorf("invalid registration: %w", err)
	}
	return fmt.Errorf("register: %w", err)
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <voter-id>",
	Short: "Show a voter's registration and notarization status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.GetVoter(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get voter: %w", err)
		}
		return printVoter(v)
	},
}

// ── notarize ─────────────────────────────────────────────────────────────────

var notarizeCmd = &cobra.Command{
	Use:   "notarize <voter-id>",
	Short: "Retry the ledger commit for one voter (operator)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, settled, err := c.Notarize(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("notarize: %w", err)
		}
		if !settled {
			fmt.Fprintln(os.Stderr, "ledger outcome unknown; record left pending for recovery")
		}
		return printVoter(v)
	},
}

// ── recover ──────────────────────────────────────────────────────────────────

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one recovery pass over pending and retryable voters (operator)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		n, err := c.Recover(cmd.Context())
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		if outFormat == "json" {
			return json.NewEncoder(os.Stdout).Encode(map[string]int{"processed": n})
		}
		fmt.Printf("Recovery pass processed %d voter(s)\n", n)
		return nil
	},
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show voter counts per notarization status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		if outFormat == "json" {
			return json.NewEncoder(os.Stdout).Encode(s)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PENDING\tNOTARIZED\tFAILED")
		fmt.Fprintf(w, "%d\t%d\t%d\n", s.Pending, s.Notarized, s.Failed)
		return w.Flush()
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenOperator  string
	tokenScopes    []string
	tokenServerCfg string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator token from the registrar's secret",
	Long: `token signs an operator bearer token with the secret referenced by
operator.secret_ref in the registrar configuration. Run it where that secret
is readable:

  export VOTERCTL_TOKEN=$(voterctl token --operator alice)`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "", "Operator name recorded in the token subject (required)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope",
		[]string{identity.ScopeNotarize, identity.ScopeRecover}, "Scopes to grant")
	tokenCmd.Flags().StringVar(&tokenServerCfg, "server-config", "", "registrar config file (default configs/voterledger.yaml)")
	_ = tokenCmd.MarkFlagRequired("operator")
}

func runToken(cmd *cobra.Command, args []string) error {
	v := config.New()
	if tokenServerCfg != "" {
		v.SetConfigFile(tokenServerCfg)
	}
	cfg, _, err := config.Load(v)
	if err != nil {
		return err
	}
	if cfg.Operator.SecretRef == "" {
		return errors.New("operator.secret_ref is not configured")
	}
	secret, err := config.ResolveCredential(cfg.Operator.SecretRef)
	if err != nil {
		return fmt.Errorf("resolve operator secret: %w", err)
	}
	issuer, err := identity.NewTokenIssuer([]byte(secret), cfg.Operator.Issuer, cfg.Operator.TokenTTL)
	if err != nil {
		return err
	}
	tok, err := issuer.Issue(tokenOperator, tokenScopes)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(issuer.TTL()).UTC().Format(time.RFC3339))
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the voterctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("voterctl %s\n", version)
	},
}

// ── output ───────────────────────────────────────────────────────────────────

func printVoter(v *client.Voter) error {
	if outFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Voter ID:\t%s\n", v.VoterID)
	fmt.Fprintf(w, "Name:\t%s\n", v.Name)
	fmt.Fprintf(w, "Status:\t%s\n", statusLine(v))
	if v.LedgerReceipt != "" {
		fmt.Fprintf(w, "Receipt:\t%s\n", v.LedgerReceipt)
	}
	fmt.Fprintf(w, "Content hash:\t%s\n", v.ContentHash)
	fmt.Fprintf(w, "Attempts:\t%d\n", v.Attempts)
	return w.Flush()
}

func statusLine(v *client.Voter) string {
	if v.FailureReason == "" {
		return v.Status
	}
	return v.Status + " (" + strings.ToLower(v.FailureReason) + ")"
}
