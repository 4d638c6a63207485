package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dataport/dataport/internal/app/catalog"
	"github.com/dataport/dataport/internal/app/credentials"
	"github.com/dataport/dataport/internal/pkg/logger"
	"github.com/spf13/cobra"
)

var instancesNoCache bool

// instanceCacheTTL bounds how stale a cached project listing may get.
const instanceCacheTTL = 15 * time.Minute

var instancesCmd = &cobra.Command{
	Use:   "instances <project>",
	Short: "List managed instances in a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		project := args[0]

		svc, err := catalog.NewService(ctx)
		if err != nil {
			return err
		}
		instances, err := svc.ListAllInstances(ctx, project)
		if err != nil {
			return err
		}

		if !instancesNoCache {
			if store, err := credentials.NewFileStore(""); err == nil {
				names := make([]string, 0, len(instances))
				for _, inst := range instances {
					names = append(names, inst.Name)
				}
				if err := store.PutInstances(ctx, project, names, instanceCacheTTL); err != nil {
					logger.Debug("failed to cache instance list", "error", err)
				}
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tREGION\tVERSION\tSTATE\tIP")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				inst.Name, inst.Region, inst.DatabaseVersion, inst.State, inst.IPAddress)
		}
		return w.Flush()
	},
}

var databasesCmd = &cobra.Command{
	Use:   "databases <project> <instance>",
	Short: "List databases on a managed instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		svc, err := catalog.NewService(ctx)
		if err != nil {
			return err
		}
		databases, err := svc.GetInstanceDatabases(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCHARSET\tCOLLATION")
		for _, db := range databases {
			fmt.Fprintf(w, "%s\t%s\t%s\n", db.Name, db.Charset, db.Collation)
		}
		return w.Flush()
	},
}

func init() {
	instancesCmd.Flags().BoolVar(&instancesNoCache, "no-cache", false, "skip the local instance-list cache")
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(databasesCmd)
}
