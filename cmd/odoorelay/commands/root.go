// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "odoorelay",
	Short: "WebSocket relay and push notification server",
	Long: `odoorelay relays messages between WebSocket clients.

Every message is acknowledged to its sender and broadcast to every connected client.
Messages carrying a device token are also delivered as push notifications.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/odoorelay)")
}

// initConfig reads in the config file, .env, and ENV variables if set.
func initConfig() {
	if cfgDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/odoorelay
		cfgDir = path.Join(home, ".config", "odoorelay")
	}

	// Push credentials are usually kept in a .env file next to the server.
	// It's fine if there isn't one.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error loading .env file: %s\n", err)
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("odoorelay")
	viper.SetEnvPrefix("ODOORELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	os.Setenv("CONFDIR", cfgDir)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}
