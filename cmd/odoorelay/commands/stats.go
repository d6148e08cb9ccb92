// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/server"
)

const defaultStatsPort = "8080"

var (
	statsPort              string
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from an odoorelay server",
	Long: `stats queries an odoorelay server for running stats.

If the host is omitted, the local odoorelay server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if disableTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. Your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
			}
			disableTLS = !viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statsPassword = viper.GetString("server.statsPassword")
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", defaultStatsPort, "port of the server to query stats for")
	statsCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "query the server over plain HTTP")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")
}

func getStats(statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("ODOORELAY_STATS_PASSWORD")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	scheme := "http"
	if !disableTLS {
		scheme = "https"
		var certPool *x509.CertPool
		if statsServerCertificate != "" {
			cert, err := os.ReadFile(statsServerCertificate)
			if err != nil {
				return errors.Wrap(err, "Open server certificate")
			}
			certPool = x509.NewCertPool()
			certPool.AppendCertsFromPEM(cert)
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipTLSVerification,
				RootCAs:            certPool,
			},
		}
	}

	statsAddr := net.JoinHostPort(statsHost, statsPort)
	req, err := http.NewRequest(http.MethodGet, scheme+"://"+statsAddr+"/stats", nil)
	if err != nil {
		return errors.Wrap(err, "Build stats request")
	}
	req.Header.Set(server.StatsPasswordHeader, statsPassword)

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Connect to odoorelay server")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return errors.New("Wrong stats password")
	case http.StatusNotFound:
		return errors.New("Stats are disabled on this server")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("Server returned %s: %s", resp.Status, body)
	}

	var stats server.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "Get stats response from server")
	}

	// Don't display the default port in the output.
	friendlyAddr := statsHost
	if statsPort != defaultStatsPort {
		friendlyAddr = statsAddr
	}
	fmt.Printf(`Stats for %s:
Uptime: %s
Number of channels: %d
Max channels: %d on %s
Total channels: %d
Messages relayed: %d
Registered tokens: %d
`, friendlyAddr, stats.Relay.Uptime,
		stats.Relay.NumChannels,
		stats.Relay.MaxChannels, stats.Relay.MaxChannelsTime,
		stats.Relay.TotalChannels,
		stats.Relay.MessagesRelayed,
		stats.RegisteredTokens)

	if n := stats.Notifications; n != nil {
		fmt.Printf(`
Push provider: %s
Notifications queued: %d
Submitted: %d, delivered: %d, failed: %d, dropped: %d, retried: %d
`, n.Provider, n.Queued, n.Submitted, n.Delivered, n.Failed, n.Dropped, n.Retried)
	}
	return nil
}
