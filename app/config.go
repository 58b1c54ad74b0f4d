package roomchat

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/putto11262002/roomchat/core"
)

type Mode string

const (
	DevMode  Mode = "development"
	ProdMode Mode = "production"
)

type Config struct {
	// Mode is either development or production. The default is development.
	Mode Mode `validate:"required,oneof=development production"`
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Auth     struct {
		// Secret is the key the account service signs tokens with.
		// It must be a base64 encoded string.
		Secret Base64Encoded `validate:"required"`
	}
	// Directory is the user directory the identity store is seeded from.
	// It is skipped when File is empty.
	Directory struct {
		File string
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required_with=File"`
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	WS             struct {
		// MaxMessageSize is the largest inbound frame in bytes.
		MaxMessageSize int64 `validate:"gte=0"`
		// SendBuffer is the number of outbound events queued per connection.
		SendBuffer int `validate:"gte=0"`
	}
	Typing struct {
		// TTL is how long a typing indicator lives without a stop. 0 disables expiry.
		TTL time.Duration `validate:"gte=0"`
	}
	History struct {
		// Limit is the number of messages sent when a room is joined.
		Limit int `validate:"gte=0"`
	}
	TLS struct {
		Crt string `validate:"required_with=Key"`
		Key string `validate:"required_with=Crt"`
	}
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func (c *Config) CoordinatorConfig() core.CoordinatorConfig {
	return core.CoordinatorConfig{
		HistoryLimit: c.History.Limit,
		DefaultRoom:  core.DefaultRoom,
		TypingTTL:    c.Typing.TTL,
	}
}

// LoadConfig loads the configuration from an optional .env file, the config
// file found in paths (the working directory when none is given) and
// environment variables, in increasing order of precedence.
// A missing config file is not an error. Invalid values are reported by Validate.
func LoadConfig(paths ...string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) error {
	v.SetDefault("mode", string(DevMode))
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	// a random secret rejects every token until the real one is configured
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("directory.file", "")
	v.SetDefault("directory.migrations", "./migrations")
	v.SetDefault("allowedorigins", []string{"*"})
	v.SetDefault("ws.maxmessagesize", core.DefaultMaxMessageSize)
	v.SetDefault("ws.sendbuffer", core.DefaultSendBuffer)
	v.SetDefault("typing.ttl", core.DefaultTypingTTL)
	v.SetDefault("history.limit", core.DefaultHistoryLimit)
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	return nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
