/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"io"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gitlab.com/davidxarnold/nodescaler/pkg/config"
	"gitlab.com/davidxarnold/nodescaler/pkg/util"
	v "gitlab.com/davidxarnold/nodescaler/version"
)

var (
	cfgFile   string
	logCloser io.Closer
)

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			log.Fatalln(err)
		}

		// Search config in home directory with name ".nodescaler" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".nodescaler")
	}

	config.BindEnv(viper.GetViper())

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Debugln("Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig returns the validated configuration from the global viper.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// NewRootCmd provides the nodescaler cobra command tree
func NewRootCmd() *cobra.Command {
	var (
		output   string
		logLevel string
		logFile  string
	)

	config.SetDefaults(viper.GetViper())

	cmd := &cobra.Command{
		Use:   "nodescaler",
		Short: "Keep a fleet of nodes behind a load balancer sized to its load.",
		Long: "nodescaler polls a tagged fleet of cloud nodes, probes each node's health endpoint " +
			"for CPU load, creates a node when the fleet average crosses a threshold and keeps " +
			"the load balancer membership equal to the healthy nodes.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := util.SetupLogger(
				viper.GetString("log.output"),
				viper.GetString("log.level"),
				viper.GetString("log.file"),
			)
			if err != nil {
				return err
			}
			logCloser = c
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				_ = logCloser.Close()
			}
		},
	}

	cmd.Version = v.Version

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"config file (default is $HOME/.nodescaler.yaml)")
	cmd.PersistentFlags().StringVarP(
		&output, "output", "o", "text",
		"-o, --output='': Output format. One of: text|json")
	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info",
		"Log level. One of: debug|info|warn|error")
	cmd.PersistentFlags().StringVar(
		&logFile, "log-file", "",
		"Also write logs to this file")

	cobra.OnInitialize(initConfig)

	_ = viper.BindPFlag("output", cmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("log.output", cmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.file", cmd.PersistentFlags().Lookup("log-file"))

	cmd.AddCommand(
		NewRunCmd(),
		NewStatusCmd(),
		NewDrainCmd(),
	)

	return cmd
}
