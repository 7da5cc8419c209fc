package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/jmorganca/llamabatch/cmd"
	"github.com/jmorganca/llamabatch/envconfig"
)

func main() {
	if err := envconfig.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	// the .env file may change the configuration
	envconfig.LoadConfig()

	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
