package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	commonconfig "github.com/armadaproject/sessionscheduler/internal/common/config"
	schedulerconfig "github.com/armadaproject/sessionscheduler/internal/scheduler/configuration"
)

const (
	CustomConfigLocation = "config"
	defaultConfigPath    = "./config/scheduler"
	envPrefix            = "SCHEDULER"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "The session scheduler",
	}

	addConfigFlag(cmd.PersistentFlags())

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
	)

	return cmd
}

func addConfigFlag(flags *pflag.FlagSet) {
	flags.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
}

func loadConfig(cmd *cobra.Command) (schedulerconfig.Configuration, error) {
	var config schedulerconfig.Configuration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, errors.WithStack(err)
	}

	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs, envPrefix); err != nil {
		return config, err
	}

	err = config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
