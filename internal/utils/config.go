package utils

/*
* part of the utils module
*
*	EnvConfig holds every variable used by the account service and the
*	operator cli. Values come from an env style .conf file (godotenv),
*	overridden by the process environment, falling back to defaults.
*
*	The struct is validated once after loading; consumers receive it by
*	value and never read the environment themselves.
* */

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"kyri56xcaesar/accountd/pkg/accountdir"
)

type EnvConfig struct {
	ConfigPath string // path of the .conf file

	// ###################################
	// API CONFS
	IP            string `validate:"required,ip"`
	API_PORT      string `validate:"required,numeric"`
	API_GIN_MODE  string `validate:"oneof=debug release test"`
	API_USE_TLS   bool
	API_CERT_FILE string `validate:"required_if=API_USE_TLS true"` // path to a cert file
	API_KEY_FILE  string `validate:"required_if=API_USE_TLS true"` // path to a key file

	API_LOGS_PATH    string // directory of the log files, empty logs to stderr only
	API_LOGS_SPLIT   bool   // one file per level
	API_LOGS_VERBOSE bool   // mirror file logs to stderr

	ALLOWED_ORIGINS []string
	ALLOWED_HEADERS []string
	ALLOWED_METHODS []string

	// service authentication info
	ISSUER             string
	JWT_SECRET_KEY     []byte
	JWT_VALIDITY_HOURS float64 `validate:"gt=0"`
	SERVICE_SECRET_KEY []byte
	HASH_SCHEME        string `validate:"oneof=sha512 bcrypt"` // crypt format of hashed plaintext passwords
	HASH_COST          int    `validate:"min=4,max=31"`        // bcrypt only

	// ###################################
	// account files
	BASE_ETC_DIR      string `validate:"required"`
	PASSWD_PATH       string `validate:"required"`
	GROUP_PATH        string `validate:"required"`
	SHADOW_PATH       string `validate:"required"`
	SUDOERS_DIR       string `validate:"required"`
	DEFAULT_HOME_BASE string `validate:"required,startswith=/"`
	DEFAULT_SHELL     string `validate:"required,startswith=/"`

	LOCK_TIMEOUT     time.Duration `validate:"min=0"`
	POLICY_VALIDATOR string        // "", "none" or a visudo compatible binary
	GROUP_PRUNE      string        `validate:"oneof=membership personal never"`

	RECONCILE_ON_START bool
	RECONCILE_REPAIR   bool

	// ###################################
	// home directories
	HOME_PROVISION bool
	HOME_SKEL_DIR  string `validate:"required_if=HOME_PROVISION true"`
	HOME_DRY_RUN   bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads path (a missing file is not fatal), resolves every key
// and validates the result.
func LoadConfig(path string) (EnvConfig, error) {
	if err := godotenv.Load(path); err != nil {
		log.Printf("Could not load %s config file. Using default variables", path)
	}

	etc := getEnv("BASE_ETC_DIR", "/etc")
	config := EnvConfig{
		ConfigPath: filepath.Base(path),

		IP:               getEnv("IP", "0.0.0.0"),
		API_PORT:         getEnv("API_PORT", "8078"),
		API_GIN_MODE:     getEnv("API_GIN_MODE", "debug"),
		API_USE_TLS:      getBoolEnv("API_USE_TLS", "false"),
		API_CERT_FILE:    getEnv("API_CERT_FILE", "localhost.pem"),
		API_KEY_FILE:     getEnv("API_KEY_FILE", "localhost-key.pem"),
		API_LOGS_PATH:    getEnv("API_LOGS_PATH", ""),
		API_LOGS_SPLIT:   getBoolEnv("API_LOGS_SPLIT", "false"),
		API_LOGS_VERBOSE: getBoolEnv("API_LOGS_VERBOSE", "true"),

		ALLOWED_ORIGINS: getEnvs("ALLOWED_ORIGINS", []string{"*"}),
		ALLOWED_HEADERS: getEnvs("ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Service-Secret"}),
		ALLOWED_METHODS: getEnvs("ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),

		ISSUER:             getEnv("ISSUER", "accountd"),
		JWT_SECRET_KEY:     getSecretKey("JWT_SECRET_KEY"),
		JWT_VALIDITY_HOURS: getFloatEnv("JWT_VALIDITY_HOURS", 1),
		SERVICE_SECRET_KEY: getSecretKey("SERVICE_SECRET_KEY"),
		HASH_SCHEME:        getEnv("HASH_SCHEME", string(accountdir.SchemeSHA512)),
		HASH_COST:          int(getInt64Env("HASH_COST", int64(accountdir.DefaultHashCost))),

		BASE_ETC_DIR:      etc,
		PASSWD_PATH:       getEnv("PASSWD_PATH", filepath.Join(etc, "passwd")),
		GROUP_PATH:        getEnv("GROUP_PATH", filepath.Join(etc, "group")),
		SHADOW_PATH:       getEnv("SHADOW_PATH", filepath.Join(etc, "shadow")),
		SUDOERS_DIR:       getEnv("SUDOERS_DIR", filepath.Join(etc, "sudoers.d")),
		DEFAULT_HOME_BASE: getEnv("DEFAULT_HOME_BASE", accountdir.DefaultHomeBase),
		DEFAULT_SHELL:     getEnv("DEFAULT_SHELL", accountdir.DefaultShell),

		LOCK_TIMEOUT:     getDurationEnv("LOCK_TIMEOUT", 10*time.Second),
		POLICY_VALIDATOR: getEnv("POLICY_VALIDATOR", accountdir.ValidatorAuto),
		GROUP_PRUNE:      getEnv("GROUP_PRUNE", string(accountdir.PruneMembership)),

		RECONCILE_ON_START: getBoolEnv("RECONCILE_ON_START", "true"),
		RECONCILE_REPAIR:   getBoolEnv("RECONCILE_REPAIR", "false"),

		HOME_PROVISION: getBoolEnv("HOME_PROVISION", "false"),
		HOME_SKEL_DIR:  getEnv("HOME_SKEL_DIR", "/etc/skel"),
		HOME_DRY_RUN:   getBoolEnv("HOME_DRY_RUN", "false"),
	}

	if err := validate.Struct(config); err != nil {
		return config, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return config, nil
}

// DirectoryConfig maps the account file settings onto accountdir.Config.
func (cfg *EnvConfig) DirectoryConfig() accountdir.Config {
	return accountdir.Config{
		PasswdPath:      cfg.PASSWD_PATH,
		GroupPath:       cfg.GROUP_PATH,
		ShadowPath:      cfg.SHADOW_PATH,
		PolicyDir:       cfg.SUDOERS_DIR,
		HomeBase:        cfg.DEFAULT_HOME_BASE,
		Shell:           cfg.DEFAULT_SHELL,
		LockTimeout:     cfg.LOCK_TIMEOUT,
		PolicyValidator: cfg.POLICY_VALIDATOR,
		GroupPrune:      accountdir.GroupPrune(cfg.GROUP_PRUNE),
	}
}

func (cfg *EnvConfig) Addr(port string) string {
	return cfg.IP + ":" + port
}

// secrets may be absent: the cli needs none, the api refuses to start
// without at least one.
func getSecretKey(envVar string) []byte {
	secret := os.Getenv(envVar)
	if secret == "" {
		return nil
	}
	return []byte(secret)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt64Env(key string, fallback int64) int64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("failed to parse int64 from var %v: %v\nfalling back to %v", key, err, fallback)
		return fallback
	}
	return n
}

func getFloatEnv(key string, fallback float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("failed to parse float64 from variable %v: %v\nfalling back... to %v", key, err, fallback)
		return fallback
	}
	return f
}

// getDurationEnv accepts time.ParseDuration syntax or plain seconds.
func getDurationEnv(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	log.Printf("failed to parse duration from variable %v: %q\nfalling back... to %v", key, value, fallback)
	return fallback
}

func getBoolEnv(key, fallback string) bool {
	key = getEnv(key, fallback)
	b, err := strconv.ParseBool(key)
	if err != nil {
		b, _ = strconv.ParseBool(fallback)
	}

	return b
}

func getEnvs(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var values []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

// ToString lists every field, one per line. Secrets are masked.
func (cfg *EnvConfig) ToString() string {
	var strBuilder strings.Builder

	reflectedValues := reflect.ValueOf(cfg).Elem()
	reflectedTypes := reflect.TypeOf(cfg).Elem()

	strBuilder.WriteString(fmt.Sprintf("[CFG]CONFIGURATION: %s\n", cfg.ConfigPath))

	for i := 0; i < reflectedValues.NumField(); i++ {
		fieldName := reflectedTypes.Field(i).Name
		fieldValue := reflectedValues.Field(i).Interface()

		if byteSlice, ok := fieldValue.([]byte); ok {
			fieldValue = mask(byteSlice)
		}

		strBuilder.WriteString(fmt.Sprintf("[CFG]%2d. %-20s -> %v\n", i+1, fieldName, fieldValue))
	}

	return strBuilder.String()
}

func mask(secret []byte) string {
	if len(secret) == 0 {
		return "<unset>"
	}
	return "****"
}
