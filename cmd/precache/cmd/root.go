package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/aweris/precache"
	"github.com/aweris/precache/internal/logging"
	"github.com/aweris/precache/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "precache",
	Short: "Offline asset cache",
	Long:  "Precache, serve and ship the versioned offline caches of a web application.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(viper.GetString("log_level"))
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/precache/config.yaml)")
	flags.String("cache-dir", "", "cache directory (default: ~/.local/share/precache)")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PRECACHE")
	viper.AutomaticEnv()
	viper.SetDefault("cache_dir", precache.DefaultCacheDir())
	viper.SetDefault("log_level", "info")
	viper.SetDefault("version", precache.DefaultVersion)
	viper.SetDefault("origin", "http://127.0.0.1:5000")
	viper.SetDefault("manifest", precache.DefaultManifest())
	viper.SetDefault("listen", "127.0.0.1:8080")
	viper.SetDefault("concurrency", 4)

	viper.ReadInConfig()
}

// bindFlags binds the named flags of the running command to the config keys
// of the same name (dashes become underscores). Binding at run time keeps
// commands that share a key from overwriting each other's binding.
func bindFlags(names ...string) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		for _, name := range names {
			viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), cmd.Flags().Lookup(name))
		}
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "precache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "precache")
	}
	return ".precache"
}

func openStorage() (*precache.CacheStorage, error) {
	opts := []precache.StorageOption{
		precache.WithCacheDir(viper.GetString("cache_dir")),
		precache.WithRemoteConcurrency(viper.GetInt("concurrency")),
	}
	if user := viper.GetString("registry_username"); user != "" {
		opts = append(opts, precache.WithAuth(remote.StaticAuthenticator{
			Username: user,
			Password: viper.GetString("registry_password"),
		}))
	}
	return precache.OpenStorage(opts...)
}

func loadConfig() precache.Config {
	return precache.Config{
		Version:  viper.GetString("version"),
		Origin:   viper.GetString("origin"),
		Manifest: viper.GetStringSlice("manifest"),
	}
}

func newInterceptor(storage *precache.CacheStorage) (*precache.Interceptor, error) {
	return precache.New(loadConfig(), storage,
		precache.WithConcurrency(viper.GetInt("concurrency")),
	)
}

func closeStorage(storage *precache.CacheStorage, err *error) {
	if cerr := storage.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
