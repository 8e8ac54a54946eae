package env_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	"github.com/luma/gep/internal/env"
	"github.com/luma/gep/protocol"
)

var _ = Describe("Config", func() {
	setenv := func(key, value string) {
		Expect(os.Setenv(key, value)).To(Succeed())
	}

	AfterEach(func() {
		for _, key := range []string{"GEP_SHARED_SECRET", "GEP_COMPRESSION", "GEP_ENCODING", "GEP_INACTIVITY_TIMEOUT", "GEP_MAX_PAYLOAD_BYTES"} {
			os.Unsetenv(key)
		}
	})

	It("applies defaults", func() {
		conf, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		Expect(conf.LogLevel).To(Equal("info"))
		Expect(conf.CipherIndexShift).To(Equal(uint(2)))
		Expect(conf.NoOPInterval).To(Equal(10 * time.Second))
		Expect(conf.MetadataLagQueueSize).To(Equal(64))
		Expect(conf.Limits()).To(Equal(protocol.DefaultLimits()))

		modes, err := conf.Modes()
		Expect(err).To(Succeed())
		Expect(modes).To(Equal(protocol.DefaultOperationalModes()))
	})

	It("reads GEP_ variables", func() {
		setenv("GEP_SHARED_SECRET", "s3cret")
		setenv("GEP_COMPRESSION", "GZip")
		setenv("GEP_ENCODING", "utf8")
		setenv("GEP_INACTIVITY_TIMEOUT", "5s")
		setenv("GEP_MAX_PAYLOAD_BYTES", "1024")

		conf, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		Expect(conf.SharedSecret).To(Equal("s3cret"))
		Expect(conf.InactivityTimeout).To(Equal(5 * time.Second))
		Expect(conf.Limits().MaxPayloadBytes).To(Equal(uint32(1024)))

		modes, err := conf.Modes()
		Expect(err).To(Succeed())
		Expect(modes.Compression()).To(Equal(protocol.CompressionGZip))
		Expect(modes.Encoding()).To(Equal(protocol.EncodingUTF8))
		Expect(modes.Has(protocol.CompressMetadata)).To(BeTrue())
	})

	It("rejects unknown mode names", func() {
		conf := env.Config{Compression: "lz4"}
		_, err := conf.Modes()
		Expect(err).To(HaveOccurred())

		conf = env.Config{Encoding: "ebcdic"}
		_, err = conf.Modes()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("MakeLogger", func() {
	It("builds a logger at the requested level", func() {
		log, err := env.MakeLogger("warn")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(zapcore.InfoLevel)).To(BeFalse())
		Expect(log.Core().Enabled(zapcore.WarnLevel)).To(BeTrue())
	})

	It("rejects an unknown level", func() {
		_, err := env.MakeLogger("loud")
		Expect(err).To(HaveOccurred())
	})
})
