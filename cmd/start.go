package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/gep/internal/env"
	"github.com/luma/gep/internal/meta"
	"github.com/luma/gep/internal/telemetry"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/storage"
	"github.com/luma/gep/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for subscribers on
	port int

	// A store backup to load before listening
	restoreFile string

	// Number of SIM:<n> measurements to define and publish
	simulate int

	simulateRate time.Duration
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen for subscribers on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.StringVar(&restoreFile, "restore", "", "Load measurements and latest values from a store backup")
	flags.IntVar(&simulate, "simulate", 0, "Define and publish this many simulated SIM:<n> measurements")
	flags.DurationVar(&simulateRate, "simulate-rate", 100*time.Millisecond, "How often simulated samples are published")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a publisher",
	Long: `Start a publisher that streams store updates to subscribers

Usage
	gep start --simulate 4

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
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

		info := meta.GetInfo()
		telemetry.SetBuildInfo(info.Version, info.Build)

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		store := storage.NewInmemoryStore()
		defer store.Close()

		if restoreFile != "" {
			backup, err := ioutil.ReadFile(restoreFile)
			if err != nil {
				return err
			}

			if err := store.Restore(backup); err != nil {
				return fmt.Errorf("Restoring %s: %w", restoreFile, err)
			}
		}

		tcp := transport.NewTCP(transport.Options{
			Host:                   host,
			Port:                   port,
			Reuseport:              true,
			Store:                  store,
			Log:                    log.Named("transport"),
			SharedSecret:           conf.SharedSecret,
			EncryptPayloads:        conf.EncryptPayloads,
			CipherRotationInterval: conf.CipherRotationInterval,
			CipherIndexShift:       conf.CipherIndexShift,
			NoOPInterval:           conf.NoOPInterval,
			Limits:                 conf.Limits(),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		router := setupRouter(conf.DebugHTTP, log)
		addRoutes(router, tcp, store)

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		if simulate > 0 {
			go runSimulation(ctx, store, log.Named("simulation"))
		}

		log.Info("Listening",
			zap.Stringer("version", info),
			zap.String("host", host),
			zap.Int("port", port),
			zap.String("httpPort", httpPort),
			zap.Bool("encrypt", conf.EncryptPayloads))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(ctx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.Use(telemetry.Instrument())

	return r
}

type notifyRequest struct {
	Message string `json:"message" binding:"required"`
}

func addRoutes(r *gin.Engine, tcp *transport.TCP, store storage.Store) {
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"build":       meta.GetInfo(),
			"addr":        tcp.Addr().String(),
			"subscribers": tcp.Status(),
		})
	})

	r.GET("/backup", func(c *gin.Context) {
		backup, err := store.Backup()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}

		c.Data(http.StatusOK, "application/json", backup)
	})

	r.POST("/notify", func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := tcp.Notify(req.Message); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}

		c.Status(http.StatusAccepted)
	})
}

// runSimulation publishes a sine wave on each SIM:<n> measurement.
func runSimulation(ctx context.Context, store storage.Store, log *zap.Logger) {
	keys := make([]measurement.Key, simulate)
	for i := range keys {
		keys[i] = measurement.NewKey("SIM", uint64(i+1))

		if err := store.Define(ctx, keys[i], fmt.Sprintf("Simulated signal %d", i+1)); err != nil {
			log.Error("Failed to define measurement", zap.Stringer("key", keys[i]), zap.Error(err))
			return
		}
	}

	ticker := time.NewTicker(simulateRate)
	defer ticker.Stop()

	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-ticker.C:
			phase := now.Sub(start).Seconds()

			samples := make([]measurement.Sample, len(keys))
			for i, key := range keys {
				samples[i] = measurement.Sample{
					Key:       key,
					Timestamp: now.UTC(),
					Value:     math.Sin(phase + float64(i)*math.Pi/4),
				}
			}

			if err := store.Publish(ctx, samples); err != nil && ctx.Err() == nil {
				log.Warn("Failed to publish simulated samples", zap.Error(err))
			}
		}
	}
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
