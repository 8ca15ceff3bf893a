package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/filerift/filerift/pkg/config"
	"github.com/filerift/filerift/pkg/dal"
)

// defaultQuotaBytes is the storage quota applied when --quota is not
// given: 10 GiB.
const defaultQuotaBytes = 10 << 30

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users (add, list)",
	}
	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserListCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var quota uint64

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user with a root volume and an auth token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDal(func(ctx context.Context, rpc dal.RpcDal) error {
				token := uuid.NewString()
				info, err := rpc.CreateUser(ctx, args[0], token, quota)
				if err != nil {
					return err
				}
				fmt.Printf("Created user %q (id %d)\n", info.Username, info.ID)
				fmt.Printf("  root volume: %s\n", info.RootVolumeID)
				fmt.Printf("  quota:       %d bytes\n", info.MaxStorageBytes)
				fmt.Printf("  auth token:  %s\n", token)
				fmt.Println("\nThe token is shown only once; store it safely.")
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&quota, "quota", defaultQuotaBytes, "Storage quota in bytes")
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDal(func(ctx context.Context, rpc dal.RpcDal) error {
				users, err := rpc.ListUsers(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tUSERNAME\tROOT VOLUME\tQUOTA\tACTIVE")
				for _, u := range users {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\n",
						u.ID, u.Username, u.RootVolumeID, u.MaxStorageBytes, u.Active)
				}
				return w.Flush()
			})
		},
	}
}

// withDal opens the configured metadata backend around fn.
func withDal(fn func(ctx context.Context, rpc dal.RpcDal) error) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	rpc, err := openDal(cfg)
	if err != nil {
		return err
	}
	defer rpc.Close()
	return fn(context.Background(), rpc)
}
