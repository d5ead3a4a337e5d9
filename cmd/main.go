/*
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

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/anchorstack/custodia"
	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/database"
	"github.com/anchorstack/custodia/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Custodia represents the CLI application, encapsulating the root Cobra command.
type Custodia struct {
	cmd *cobra.Command
}

// custodiaInstance holds the runtime service instance and its configuration,
// shared by the server, worker and migration commands.
type custodiaInstance struct {
	service *custodia.Custodia
	cnf     *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the service instance before
// running any command.
func preRun(app *custodiaInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("custodia.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		service, err := setupCustodia(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.service = service
		app.cnf = cnf

		return nil
	}
}

// setupCustodia connects the datasource and builds the service instance.
func setupCustodia(cfg *config.Configuration) (*custodia.Custodia, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	service, err := custodia.NewCustodia(db)
	if err != nil {
		return nil, fmt.Errorf("error creating custodia: %v", err)
	}
	return service, nil
}

// NewCLI creates the command-line interface for the custodia application.
func NewCLI() *Custodia {
	var configFile string
	b := &custodiaInstance{}

	var rootCmd = &cobra.Command{
		Use:   "custodia",
		Short: "Custody transaction reconciliation for Stellar anchors",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./custodia.json", "Configuration file for custodia")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &Custodia{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during
// execution.
func (w Custodia) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
