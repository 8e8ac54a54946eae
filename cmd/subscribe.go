package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/gep/client"
	"github.com/luma/gep/internal/env"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
)

var (
	addr               string
	keys               []string
	synchronized       bool
	compact            bool
	processingInterval time.Duration
)

func init() {
	flags := SubscribeCmd.PersistentFlags()

	flags.StringVar(&addr, "addr", "localhost:7363", "The publisher to connect to")
	flags.StringSliceVarP(&keys, "keys", "k", nil, "Measurements to subscribe to as <source>:<id>, all when empty")
	flags.BoolVar(&synchronized, "sync", false, "Request synchronized data packets")
	flags.BoolVar(&compact, "compact", false, "Request compact samples")
	flags.DurationVar(&processingInterval, "interval", 0, "Ask the publisher to throttle to one sample per measurement per interval")
}

var SubscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to a publisher and print samples",
	Long: `Subscribe to a publisher and print each sample as it arrives

Usage
	gep subscribe --addr localhost:7363 --keys SIM:1,SIM:2

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		modes, err := conf.Modes()
		if err != nil {
			return err
		}

		sub := protocol.Subscription{ProcessingInterval: processingInterval}
		if synchronized {
			sub.Flags |= protocol.Synchronized
		}
		if compact {
			sub.Flags |= protocol.Compact
		}

		for _, k := range keys {
			parsed, err := measurement.ParseKey(k)
			if err != nil {
				return err
			}
			sub.Keys = append(sub.Keys, measurement.NewKey(parsed.Source, parsed.ID))
		}

		conn := client.New(client.Options{
			Log:                    log.Named("client"),
			SharedSecret:           conf.SharedSecret,
			InactivityTimeout:      conf.InactivityTimeout,
			CipherRotationInterval: conf.CipherRotationInterval,
			CipherIndexShift:       conf.CipherIndexShift,
			MetadataLagQueueSize:   conf.MetadataLagQueueSize,
			Limits:                 conf.Limits(),
			OnError: func(err error) {
				log.Warn("Stream error", zap.Error(err))
			},
		})

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := conn.Connect(dialCtx, addr); err != nil {
			return err
		}

		if err := conn.Authenticate(dialCtx); err != nil {
			conn.Disconnect()
			return err
		}

		if err := conn.DefineOperationalModes(dialCtx, modes); err != nil {
			conn.Disconnect()
			return err
		}

		if err := conn.Subscribe(dialCtx, sub); err != nil {
			conn.Disconnect()
			return err
		}

		log.Info("Subscribed", zap.String("addr", addr), zap.Strings("keys", keys), zap.Stringer("modes", modes))

		for {
			select {
			case update := <-conn.UpdateChan():
				fmt.Printf("%s\t%s\t%g\t0x%08X\n",
					update.Key, update.Timestamp.Format(time.RFC3339Nano), update.Value, uint32(update.Quality))

			case <-conn.Done():
				return conn.Err()

			case <-ctx.Done():
				signalStop()

				unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				return conn.Unsubscribe(unsubCtx)
			}
		}
	},
}
