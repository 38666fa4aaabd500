package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envPrefix — префикс переменных окружения для всех ключей.
const envPrefix = "TRIBUTARY"

// options — параметры Load.
type options struct {
	configFile string
	envFile    string
	searchDirs []string
}

// Option — функциональная опция Load.
type Option func(*options)

// WithConfigFile задаёт путь к config.yml явно.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configFile = path }
}

// WithEnvFile задаёт путь к .env явно.
func WithEnvFile(path string) Option {
	return func(o *options) { o.envFile = path }
}

// WithSearchDirs заменяет каталоги поиска config.yml и .env.
func WithSearchDirs(dirs ...string) Option {
	return func(o *options) { o.searchDirs = dirs }
}

// Load собирает конфигурацию сервиса.
//
// Порядок (последующее перекрывает предыдущее):
//  1. значения по умолчанию
//  2. config.yml
//  3. переменные окружения (включая загруженные из .env)
//
// Результат проверяется тегами validate.
func Load(service string, opts ...Option) (*Config, error) {
	o := options{
		searchDirs: []string{
			filepath.Join("cmd", service),
			"config",
			".",
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.configFile == "" {
		o.configFile = find(o.searchDirs, "config.yml", "config.yaml")
	}
	if o.envFile == "" {
		o.envFile = find(o.searchDirs, ".env."+service, ".env")
	}

	// .env не перекрывает уже заданные переменные окружения
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", o.envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", o.configFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindLegacyEnv(v, service); err != nil {
		return nil, err
	}

	cfg := &Config{Service: service}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config for %s: %w", service, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config for %s: %w", service, err)
	}
	return cfg, nil
}

// bindLegacyEnv привязывает ключи к TRIBUTARY_* и к привычным именам.
func bindLegacyEnv(v *viper.Viper, service string) error {
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, prefixed(key), env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if port, ok := servicePorts[service]; ok {
		v.SetDefault("http.port", port[1])
		if err := v.BindEnv("http.port", prefixed("http.port"), port[0]); err != nil {
			return fmt.Errorf("bind env %s: %w", port[0], err)
		}
	}
	return nil
}

func prefixed(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// find возвращает первый существующий файл из names в dirs.
func find(dirs []string, names ...string) string {
	for _, name := range names {
		for _, dir := range dirs {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет конфигурацию тегами validate.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// ErrInvalid — конфигурация не прошла проверку.
var ErrInvalid = errors.New("invalid config")
