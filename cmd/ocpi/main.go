package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/emobix/ocpi-node/internal/identity"
	"github.com/emobix/ocpi-node/internal/ocpi"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeURL  string
	apiToken string
	cfgFile  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ocpi",
	Short: "OCPI node operator CLI",
	Long: `ocpi is the operator command-line interface for an OCPI node.

It provisions remote parties, initiates the credentials handshake
against counterparts, and inspects the party registry over the
node's admin API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ocpi")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:8080"
		}
		if apiToken == "" {
			apiToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ocpi/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "node admin URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "operator token (from 'ocpi login')")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(partiesCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)

	partiesCmd.AddCommand(partiesListCmd)
	partiesCmd.AddCommand(partiesAddCmd)
	partiesCmd.AddCommand(partiesRemoveCmd)
	partiesCmd.AddCommand(partiesBlockCmd)
	partiesCmd.AddCommand(partiesUnblockCmd)
}

// ── admin API plumbing ───────────────────────────────────────────────────────

func adminRequest(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, nodeURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Token "+apiToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, raw)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func partyPath(args []string) string {
	return fmt.Sprintf("/admin/parties/%s/%s/%s", args[0], args[1], args[2])
}

// ── login ────────────────────────────────────────────────────────────────────

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain an operator token from the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := adminRequest(http.MethodPost, "/admin/login", map[string]string{"password": string(pw)}, &out); err != nil {
			return err
		}
		fmt.Println(out.Token)
		fmt.Fprintln(os.Stderr, "Pass this token via --token or save it as 'token' in ~/.ocpi/config.yaml")
		return nil
	},
}

// ── parties ──────────────────────────────────────────────────────────────────

var partiesCmd = &cobra.Command{
	Use:   "parties",
	Short: "Manage the remote-party registry",
}

var partiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered remote parties",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Parties []struct {
				Roles       []ocpi.CredentialsRole `json:"roles"`
				Status      string                 `json:"status"`
				Registered  bool                   `json:"registered"`
				VersionsURL string                 `json:"remote_versions_url"`
			} `json:"parties"`
		}
		if err := adminRequest(http.MethodGet, "/admin/parties", nil, &out); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PARTY\tSTATUS\tREGISTERED\tVERSIONS URL")
		for _, p := range out.Parties {
			for _, r := range p.Roles {
				fmt.Fprintf(w, "%s*%s*%s\t%s\t%v\t%s\n",
					r.CountryCode, r.PartyID, r.Role, p.Status, p.Registered, p.VersionsURL)
			}
		}
		return w.Flush()
	},
}

var (
	addBusinessName     string
	addLocalToken       string
	addLocalTokenBase64 bool
	addRemoteToken      string
	addVersionsURL      string
)

var partiesAddCmd = &cobra.Command{
	Use:   "add <country> <party> <role>",
	Short: "Provision a remote party with a pre-shared token pair",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"roles": []ocpi.CredentialsRole{{
				CountryCode:     args[0],
				PartyID:         args[1],
				Role:            args[2],
				BusinessDetails: ocpi.BusinessDetails{Name: addBusinessName},
			}},
			"local_token":         addLocalToken,
			"local_token_base64":  addLocalTokenBase64,
			"remote_token":        addRemoteToken,
			"remote_versions_url": addVersionsURL,
		}
		if err := adminRequest(http.MethodPost, "/admin/parties", body, nil); err != nil {
			return err
		}
		fmt.Printf("provisioned %s*%s*%s\n", args[0], args[1], args[2])
		return nil
	},
}

func init() {
	partiesAddCmd.Flags().StringVar(&addBusinessName, "name", "", "business name of the counterpart")
	partiesAddCmd.Flags().StringVar(&addLocalToken, "local-token", "", "token the counterpart will present to us")
	partiesAddCmd.Flags().BoolVar(&addLocalTokenBase64, "local-token-base64", false, "counterpart sends its token Base64-encoded")
	partiesAddCmd.Flags().StringVar(&addRemoteToken, "remote-token", "", "token we present to the counterpart")
	partiesAddCmd.Flags().StringVar(&addVersionsURL, "versions-url", "", "counterpart's versions endpoint")
	_ = partiesAddCmd.MarkFlagRequired("local-token")
	_ = partiesAddCmd.MarkFlagRequired("remote-token")
	_ = partiesAddCmd.MarkFlagRequired("versions-url")
}

var partiesRemoveCmd = &cobra.Command{
	Use:   "remove <country> <party> <role>",
	Short: "Remove a remote party registration",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Removed bool `json:"removed"`
		}
		if err := adminRequest(http.MethodDelete, partyPath(args), nil, &out); err != nil {
			return err
		}
		if !out.Removed {
			fmt.Println("no such party")
			return nil
		}
		fmt.Println("removed")
		return nil
	},
}

var partiesBlockCmd = &cobra.Command{
	Use:   "block <country> <party> <role>",
	Short: "Block all tokens of a remote party",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminRequest(http.MethodPost, partyPath(args)+"/block", nil, nil); err != nil {
			return err
		}
		fmt.Println("blocked")
		return nil
	},
}

var partiesUnblockCmd = &cobra.Command{
	Use:   "unblock <country> <party> <role>",
	Short: "Re-allow all tokens of a remote party",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminRequest(http.MethodPost, partyPath(args)+"/unblock", nil, nil); err != nil {
			return err
		}
		fmt.Println("unblocked")
		return nil
	},
}

// ── handshake ────────────────────────────────────────────────────────────────

var registerCmd = &cobra.Command{
	Use:   "register <country> <party> <role>",
	Short: "Run the credentials handshake against a provisioned counterpart",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			HTTPStatus    int    `json:"http_status"`
			StatusCode    int    `json:"status_code"`
			StatusMessage string `json:"status_message"`
			Registered    bool   `json:"registered"`
		}
		if err := adminRequest(http.MethodPost, partyPath(args)+"/register", nil, &out); err != nil {
			return err
		}
		if !out.Registered {
			return fmt.Errorf("handshake failed: http=%d ocpi=%d %s",
				out.HTTPStatus, out.StatusCode, out.StatusMessage)
		}
		fmt.Println("registered — tokens rotated")
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <country> <party> <role>",
	Short: "Discover the protocol versions a counterpart supports",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			StatusCode    int            `json:"status_code"`
			StatusMessage string         `json:"status_message"`
			Versions      []ocpi.Version `json:"versions"`
		}
		if err := adminRequest(http.MethodGet, partyPath(args)+"/versions", nil, &out); err != nil {
			return err
		}
		if out.StatusCode != ocpi.StatusSuccess {
			return fmt.Errorf("discovery failed: ocpi=%d %s", out.StatusCode, out.StatusMessage)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tURL")
		for _, v := range out.Versions {
			fmt.Fprintf(w, "%s\t%s\n", v.ID, v.URL)
		}
		return w.Flush()
	},
}

// ── utilities ────────────────────────────────────────────────────────────────

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash an operator password for admin.password_hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		hash, err := identity.HashAdminPassword(string(pw))
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ocpi " + version)
	},
}
