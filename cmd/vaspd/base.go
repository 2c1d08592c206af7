package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// envPrefix prefixes the environment variables of flags, such as
	// VASP_LISTEN for --listen.
	envPrefix = "VASP"

	keyConfig = "config"
)

type app struct {
	baseCmd *cobra.Command
	config  *baseConfiguration
}

type baseConfiguration struct {
	// CfgFile is the optional YAML configuration file.
	CfgFile string

	// v holds the configuration read from the file and the environment.
	v *viper.Viper
}

func newApp() *app {
	config := &baseConfiguration{}
	baseCmd := &cobra.Command{
		Use:           "vaspd",
		Short:         "Off-chain payment negotiation between VASPs",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.initializeConfig(cmd); err != nil {
				return fmt.Errorf("initializing configuration: %w", err)
			}
			return nil
		},
	}
	baseCmd.PersistentFlags().StringVar(&config.CfgFile, keyConfig, "", "YAML configuration file")
	baseCmd.AddCommand(
		newRunCmd(config),
		newPayCmd(),
		newStatusCmd(),
		newKeysCmd(),
	)
	return &app{baseCmd: baseCmd, config: config}
}

func (a *app) Execute(ctx context.Context) error {
	return a.baseCmd.ExecuteContext(ctx)
}

// initializeConfig reads the configuration file and the environment, and
// applies them to the flags not set on the command line.
func (c *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	v := viper.New()
	if c.CfgFile != "" {
		v.SetConfigFile(c.CfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", c.CfgFile, err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	c.v = v
	return bindFlags(cmd, v)
}

// bindFlags sets each flag not set on the command line to its value in the
// configuration file or environment.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == keyConfig {
			return
		}
		if strings.Contains(f.Name, "-") {
			env := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name, env); err != nil {
				errs = append(errs, fmt.Errorf("binding env to flag %q: %w", f.Name, err))
				return
			}
		}
		if !f.Changed && v.IsSet(f.Name) {
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				errs = append(errs, fmt.Errorf("setting flag %q: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}
