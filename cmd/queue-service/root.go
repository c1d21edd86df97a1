package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"qms/queue-engine/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "queue-service",
	Short:        "Virtual line service: admission, calling, completion and live queue views",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./queue-service.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("store-driver", config.DriverMemory, "item store: memory | postgres")
	rootCmd.PersistentFlags().String("db-dsn", "", "PostgreSQL DSN")
	rootCmd.PersistentFlags().String("stats-timezone", "UTC", "time zone of statistics date buckets")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("store_driver", rootCmd.PersistentFlags(), "store-driver")
	bindFlag("db_dsn", rootCmd.PersistentFlags(), "db-dsn")
	bindFlag("stats_timezone", rootCmd.PersistentFlags(), "stats-timezone")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rebuildStatsCmd)
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("queue-service")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/qms")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
