package envfile

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"

	"github.com/docker/go-connections/nat"
)

// Keys na-tools manages in the instance .env.
const (
	KeyDataDir        = "NEKRO_DATA_DIR"
	KeyExposePort     = "NEKRO_EXPOSE_PORT"
	KeyNapCatPort     = "NAPCAT_EXPOSE_PORT"
	KeyMirror         = "MIRROR_REGISTRY"
	KeyOneBotToken    = "ONEBOT_ACCESS_TOKEN"
	KeyAdminPassword  = "NEKRO_ADMIN_PASSWORD"
	KeyQdrantAPIKey   = "QDRANT_API_KEY"
	KeyPostgresUser   = "POSTGRES_USER"
	KeyPostgresPass   = "POSTGRES_PASSWORD"
	KeyPostgresDBName = "POSTGRES_DATABASE"
)

const (
	DefaultExposePort = "8021"
	DefaultNapCatPort = "6099"
	DefaultPostgres   = "nekro_agent"
)

// secrets are generated when missing or empty, with their lengths.
var secrets = []struct {
	key    string
	length int
}{
	{KeyOneBotToken, 32},
	{KeyAdminPassword, 16},
	{KeyQdrantAPIKey, 32},
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomString returns n characters drawn uniformly from [a-zA-Z0-9].
func RandomString(n int) (string, error) {
	limit := big.NewInt(int64(len(alphanumeric)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate random value: %w", err)
		}
		out[i] = alphanumeric[idx.Int64()]
	}
	return string(out), nil
}

// ValidatePort checks that value is a single TCP port in 1-65535.
func ValidatePort(value string) (int, error) {
	port, err := nat.ParsePort(value)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", value, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q: must be between 1 and 65535", value)
	}
	return port, nil
}

// Defaults are the install-time choices applied to an instance .env.
// Empty ports keep the value already in the file, falling back to the
// defaults. A nil Mirror leaves MIRROR_REGISTRY alone.
type Defaults struct {
	DataDir    string
	Port       string
	WithNapCat bool
	NapCatPort string
	Mirror     *string
}

// Apply writes d into f, fills in database defaults and generates missing
// credentials. It returns the keys whose values were generated.
func Apply(f *File, d Defaults) ([]string, error) {
	f.Set(KeyDataDir, d.DataDir)

	if err := applyPort(f, KeyExposePort, d.Port, DefaultExposePort); err != nil {
		return nil, err
	}
	if d.WithNapCat {
		if err := applyPort(f, KeyNapCatPort, d.NapCatPort, DefaultNapCatPort); err != nil {
			return nil, err
		}
	}

	if d.Mirror != nil {
		f.Set(KeyMirror, *d.Mirror)
	}

	var generated []string
	for _, s := range secrets {
		if f.Get(s.key) != "" {
			continue
		}
		value, err := RandomString(s.length)
		if err != nil {
			return nil, err
		}
		f.Set(s.key, value)
		generated = append(generated, s.key)
	}

	f.SetDefault(KeyPostgresUser, DefaultPostgres)
	f.SetDefault(KeyPostgresPass, DefaultPostgres)
	f.SetDefault(KeyPostgresDBName, DefaultPostgres)

	return generated, nil
}

func applyPort(f *File, key, value, fallback string) error {
	if value == "" {
		value = f.Get(key)
	}
	if value == "" {
		value = fallback
	}
	port, err := ValidatePort(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	f.Set(key, strconv.Itoa(port))
	return nil
}
