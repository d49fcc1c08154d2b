package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "openbridge",
		Short: "CRM messaging integration gateway",
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, queue workers, and pollers",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
