// File: cmd/validate.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-harness/internal/runner"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [scenario.yaml...]",
		Short: "Check scenario files without starting a browser",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			for _, path := range args {
				scenarios, err := runner.LoadFile(path)
				if err != nil {
					fmt.Fprintf(out, "FAIL  %s\n      %v\n", path, err)
					errs = append(errs, err)
					continue
				}
				for _, sc := range scenarios {
					if err := runner.Validate(sc); err != nil {
						fmt.Fprintf(out, "FAIL  %s: %s\n      %v\n", path, sc.Name, err)
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(out, "ok    %s: %s (%d steps)\n", path, sc.Name, len(sc.Steps))
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d invalid: %w", len(errs), errors.Join(errs...))
			}
			return nil
		},
	}
}
