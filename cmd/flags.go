package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// mustGetDuration gets a duration flag value or panics if the flag doesn't
// exist. Appropriate for flags defined in init() - errors indicate
// programming bugs.
func mustGetDuration(cmd *cobra.Command, name string) time.Duration {
	val, err := cmd.Flags().GetDuration(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}
