package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reasoning-cli/internal/definition"
	"github.com/sells-group/reasoning-cli/internal/model"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate [definition-id]",
	Short: "Estimate combinations, cost and duration of a definition",
	Long: "Counts the records each view would resolve to and prices one call per " +
		"combination. Pass a stored definition id or --file for an unsaved definition.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")
		asJSON, _ := cmd.Flags().GetBool("json")
		if (file == "") == (len(args) == 0) {
			return eris.New("estimate: pass either a definition id or --file")
		}

		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		var def *model.Definition
		if file != "" {
			if def, err = definition.LoadFile(file); err != nil {
				return err
			}
			definition.Normalize(def)
			if res := env.Definitions.Validate(def); !res.Valid() {
				formatValidation(os.Stderr, res)
				return definition.ErrInvalidDefinition
			}
		} else if def, err = env.Definitions.Get(ctx, args[0]); err != nil {
			return err
		}

		est, err := env.Estimator.Estimate(ctx, def)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, est)
		}
		formatEstimate(os.Stdout, est, def.ExecutionConstraints.MaxEstimatedCostUSD)
		return nil
	},
}

func init() {
	estimateCmd.Flags().StringP("file", "f", "", "definition file to estimate instead of a stored definition")
	estimateCmd.Flags().Bool("json", false, "print the estimate as JSON")
	rootCmd.AddCommand(estimateCmd)
}
