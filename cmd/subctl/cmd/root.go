package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/subgate/subgate/internal/config"
	"github.com/subgate/subgate/internal/db"
	"github.com/subgate/subgate/internal/logging"
	"github.com/subgate/subgate/internal/task"
)

var (
	cfgFile  string
	dsn      string
	nsqdAddr string
	topic    string
	timeout  time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "subctl",
	Short: "subctl - operate the subscription gateway",
	Long: `subctl is a command line tool for operating the newsletter
subscription gateway.

You can use it to inspect and replay failed tasks, look up subscribers,
and list registered newsletters.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.subctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to the service env config)")
	rootCmd.PersistentFlags().StringVar(&nsqdAddr, "nsqd", "", "nsqd TCP address for task replay")
	rootCmd.PersistentFlags().StringVar(&topic, "topic", "", "NSQ tasks topic")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")

	viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("nsqd", rootCmd.PersistentFlags().Lookup("nsqd"))
	viper.BindPFlag("topic", rootCmd.PersistentFlags().Lookup("topic"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".subctl")
	}

	viper.SetEnvPrefix("SUBCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// opContext is the bounded context every subcommand runs under.
func opContext() (context.Context, context.CancelFunc) {
	d := viper.GetDuration("timeout")
	if d == 0 {
		d = timeout
	}
	return context.WithTimeout(context.Background(), d)
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	target := viper.GetString("dsn")
	if target == "" {
		target = config.FromEnv().DSN()
	}
	return db.Connect(ctx, target)
}

func publisher() (*task.NSQPublisher, error) {
	cfg := config.FromEnv()
	addr := viper.GetString("nsqd")
	if addr == "" {
		addr = cfg.NSQ.NsqdTCPAddr
	}
	t := viper.GetString("topic")
	if t == "" {
		t = cfg.NSQ.TasksTopic
	}
	return task.NewNSQPublisher(addr, t, logging.New("subctl"))
}
