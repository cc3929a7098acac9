package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/stevedore/internal/config"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/resource"
)

var (
	unitFile    string
	contextFile string
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a work unit and print its correlation record",
	Long: `Launch builds the container definition for the work unit in --unit,
merged with the optional container context in --context, submits it to the
configured backend and prints the correlation record as JSON.`,
	RunE: runLaunch,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a launched work unit and print any failure events",
	RunE:  runHealth,
}

var terminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Request that a work unit's resource stop",
	RunE:  runTerminate,
}

var canTerminateCmd = &cobra.Command{
	Use:   "can-terminate",
	Short: "Report whether a work unit's resource can be stopped",
	RunE:  runCanTerminate,
}

func init() {
	for _, c := range []*cobra.Command{launchCmd, healthCmd, terminateCmd, canTerminateCmd} {
		c.Flags().StringVarP(&unitFile, "unit", "u", "", "YAML file describing the work unit")
		_ = c.MarkFlagRequired("unit")
		rootCmd.AddCommand(c)
	}
	launchCmd.Flags().StringVarP(&contextFile, "context", "c", "", "YAML file with the run's container context")
}

func readUnit() (model.WorkUnit, error) {
	var u model.WorkUnit
	if err := config.ReadYAML(unitFile, &u); err != nil {
		return u, err
	}
	if u.RunID == "" {
		return u, fmt.Errorf("%s: run_id is required", unitFile)
	}
	if u.AttemptNumber < 0 {
		return u, fmt.Errorf("%s: attempt_number must not be negative", unitFile)
	}
	return u, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	u, err := readUnit()
	if err != nil {
		return err
	}
	var cc resource.ContainerContext
	if contextFile != "" {
		if err := config.ReadYAML(contextFile, &cc); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	rec, err := a.Delegator.Launch(ctx, u, cc)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	u, err := readUnit()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	events, err := a.Delegator.CheckHealth(ctx, u)
	if err != nil {
		return err
	}
	return printJSON(events)
}

func runTerminate(cmd *cobra.Command, _ []string) error {
	u, err := readUnit()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	terminated, err := a.Delegator.Terminate(ctx, u)
	if err != nil {
		return err
	}
	return printJSON(map[string]bool{"terminated": terminated})
}

func runCanTerminate(cmd *cobra.Command, _ []string) error {
	u, err := readUnit()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	can, err := a.Delegator.CanTerminate(ctx, u)
	if err != nil {
		return err
	}
	return printJSON(map[string]bool{"can_terminate": can})
}
