package env

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/gep/protocol"
)

type Config struct {
	DebugHTTP bool   `env:"GEP_DEBUG_HTTP"`
	LogLevel  string `env:"GEP_LOG_LEVEL,default=info"`

	SharedSecret    string `env:"GEP_SHARED_SECRET"`
	EncryptPayloads bool   `env:"GEP_ENCRYPT_PAYLOADS"`

	// Operational modes a subscriber proposes.
	ProtocolVersion uint32 `env:"GEP_PROTOCOL_VERSION,default=1"`
	Compression     string `env:"GEP_COMPRESSION,default=none"`
	Encoding        string `env:"GEP_ENCODING,default=unicode"`

	CipherIndexShift       uint          `env:"GEP_CIPHER_INDEX_SHIFT,default=2"`
	CipherRotationInterval time.Duration `env:"GEP_CIPHER_ROTATION_INTERVAL"`
	NoOPInterval           time.Duration `env:"GEP_NOOP_INTERVAL,default=10s"`
	InactivityTimeout      time.Duration `env:"GEP_INACTIVITY_TIMEOUT,default=30s"`
	MetadataLagQueueSize   int           `env:"GEP_METADATA_LAG_QUEUE_SIZE,default=64"`
	MaxPayloadBytes        uint32        `env:"GEP_MAX_PAYLOAD_BYTES"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Limits() protocol.Limits {
	if c.MaxPayloadBytes == 0 {
		return protocol.DefaultLimits()
	}

	return protocol.Limits{MaxPayloadBytes: c.MaxPayloadBytes}
}

// Modes builds the operational modes from the configured names. GZip also
// compresses the metadata and signal index cache payloads.
func (c *Config) Modes() (protocol.OperationalModes, error) {
	var compression protocol.CompressionMode
	flags := protocol.NoModeFlags

	switch strings.ToLower(c.Compression) {
	case "", "none":
		compression = protocol.CompressionNone
	case "gzip":
		compression = protocol.CompressionGZip
		flags |= protocol.CompressMetadata | protocol.CompressSignalIndexCache
	default:
		return 0, fmt.Errorf("Unknown compression %q, expected none or gzip", c.Compression)
	}

	var encoding protocol.OperationalEncoding

	switch strings.ToLower(c.Encoding) {
	case "", "unicode", "utf16":
		encoding = protocol.EncodingUnicode
	case "bigendianunicode", "utf16be":
		encoding = protocol.EncodingBigEndianUnicode
	case "utf8":
		encoding = protocol.EncodingUTF8
	case "ansi":
		encoding = protocol.EncodingANSI
	default:
		return 0, fmt.Errorf("Unknown text encoding %q", c.Encoding)
	}

	return protocol.NewOperationalModes(c.ProtocolVersion, compression, encoding, flags), nil
}
