// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/notify"
	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/relay"
	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/server"
	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/tokens"
)

const shutdownTimeout = 15 * time.Second

var (
	log        *logrus.Logger
	disableTLS bool
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the odoorelay server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", ":8080", "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().DurationP("time-between-pings", "t", 30*time.Second, "How often pings should be sent (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().Bool("exclude-sender", false, "Don't relay messages back to their sender")
	viper.BindPFlag("relay.excludeSender", startCmd.Flags().Lookup("exclude-sender"))
	startCmd.Flags().String("push-provider", "log", "Push notification provider: log, expo, or fcm")
	viper.BindPFlag("push.provider", startCmd.Flags().Lookup("push-provider"))
	startCmd.Flags().String("redis", "", "Redis address for the token store (default is in memory)")
	viper.BindPFlag("redis.addr", startCmd.Flags().Lookup("redis"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")

	viper.SetDefault("server.maxMessageSize", 64*1024)
	viper.SetDefault("server.sendQueueSize", 64)
	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("server.banner", server.DefaultBanner)
	viper.SetDefault("relay.ack", relay.DefaultAck)
	viper.SetDefault("relay.broadcastPrefix", relay.DefaultBroadcastPrefix)
	viper.SetDefault("relay.notificationTitle", relay.DefaultNotificationTitle)
	viper.SetDefault("tls.useTls", false)
	viper.SetDefault("push.timeout", 10*time.Second)
	viper.SetDefault("push.workers", 4)
	viper.SetDefault("push.queueSize", 256)
	viper.SetDefault("push.maxRetries", 3)
	viper.SetDefault("push.suppressTTL", 24*time.Hour)
	viper.SetDefault("log.level", "info")
}

func runServer(cmd *cobra.Command, args []string) error {
	log = logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return errors.Wrap(err, "Parse log level")
	}
	log.Level = level

	store, err := newTokenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sender, err := newSender(viper.GetString("push.provider"))
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(sender, store, notify.Config{
		Workers:     viper.GetInt("push.workers"),
		QueueSize:   viper.GetInt("push.queueSize"),
		MaxRetries:  viper.GetInt("push.maxRetries"),
		Timeout:     viper.GetDuration("push.timeout"),
		SuppressTTL: viper.GetDuration("push.suppressTTL"),
	}, log)
	dispatcher.Start(context.Background())

	reg := relay.NewRegistry()
	rel := relay.New(reg, dispatcher, log)
	rel.Ack = viper.GetString("relay.ack")
	rel.BroadcastPrefix = viper.GetString("relay.broadcastPrefix")
	rel.ExcludeSender = viper.GetBool("relay.excludeSender")
	rel.NotificationTitle = viper.GetString("relay.notificationTitle")

	srv := &server.Server{
		TimeBetweenPings:  viper.GetDuration("server.timeBetweenPings"),
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		MaxMessageSize:    viper.GetInt64("server.maxMessageSize"),
		SendQueueSize:     viper.GetInt("server.sendQueueSize"),
		Banner:            viper.GetString("server.banner"),
		StatsPassword:     viper.GetString("server.statsPassword"),
		Registry:          reg,
		Relay:             rel,
		Dispatcher:        dispatcher,
		Tokens:            store,
		Log:               log,
	}

	bindAddr := viper.GetString("server.bind")
	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	useTLS := viper.GetBool("tls.useTls") && !disableTLS

	served := make(chan error, 1)
	log.WithField("push_provider", sender.Name()).Info("Starting odoorelay")
	go func() {
		if useTLS {
			served <- srv.ListenAndServeTLS(bindAddr, certFile, keyFile)
		} else {
			served <- srv.ListenAndServe(bindAddr)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-served:
		// The server stopped without being asked to.
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		dispatcher.Stop(ctx)
		return err
	case sig := <-signals:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "Shutdown")
	}
	if err := <-served; err != nil && err != server.ErrServerClosed {
		return err
	}
	return nil
}

// newTokenStore connects to Redis if an address is configured, and otherwise keeps tokens in memory.
func newTokenStore() (tokens.Store, error) {
	addr := viper.GetString("redis.addr")
	if addr == "" {
		log.Info("Keeping registered tokens in memory")
		return tokens.NewMemoryStore(), nil
	}

	store, err := tokens.NewRedisStore(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Connect to Redis")
	}
	log.WithField("redis_addr", addr).Info("Keeping registered tokens in Redis")
	return store, nil
}

func newSender(provider string) (notify.Sender, error) {
	timeout := viper.GetDuration("push.timeout")
	endpoint := viper.GetString("push.endpoint")

	switch provider {
	case "", "log":
		return &notify.LogSender{Log: log}, nil
	case "expo":
		return notify.NewExpoSender(endpoint, viper.GetString("push.expoAccessToken"), timeout), nil
	case "fcm":
		key := viper.GetString("push.fcmServerKey")
		if key == "" {
			return nil, errors.New("The fcm push provider needs push.fcmServerKey")
		}
		return notify.NewFCMSender(key, endpoint, timeout), nil
	}
	return nil, errors.Errorf("Unknown push provider %q", provider)
}
