package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"
)

func AddToRootCommand(rootCmd *cobra.Command) {
	builders := []func() (glazed_cmds.Command, error){
		func() (glazed_cmds.Command, error) { return NewServeCommand() },
		func() (glazed_cmds.Command, error) { return NewWatchCommand() },
		func() (glazed_cmds.Command, error) { return NewAskCommand() },
		func() (glazed_cmds.Command, error) { return NewVoteCommand() },
		func() (glazed_cmds.Command, error) { return NewTallyCommand() },
	}
	for _, build := range builders {
		c, err := build()
		cobra.CheckErr(err)
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
		cobra.CheckErr(err)
		rootCmd.AddCommand(cobraCmd)
	}
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("PANELFEED",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}
