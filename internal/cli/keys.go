package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var passphrase, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a fresh KDF list with one entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			if err := mgr.InitKeys(cmd.Context(), []byte(passphrase), name); err != nil {
				return err
			}
			GetLogger().Infof("initialized KDF list with entry %q", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Passphrase for the first entry")
	cmd.Flags().StringVar(&name, "name", "default", "Name of the first entry")
	cmd.MarkFlagRequired("passphrase")
	return cmd
}

func newAddKeyCmd() *cobra.Command {
	var oldPass, newPass, newName string
	cmd := &cobra.Command{
		Use:   "add-key",
		Short: "Add a new entry carrying the same groups as an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			if err := mgr.AddKey(cmd.Context(), []byte(oldPass), []byte(newPass), newName); err != nil {
				return err
			}
			GetLogger().Infof("added entry %q", newName)
			return nil
		},
	}
	cmd.Flags().StringVar(&oldPass, "old-passphrase", "", "Passphrase of an existing entry")
	cmd.Flags().StringVar(&newPass, "new-passphrase", "", "Passphrase for the new entry")
	cmd.Flags().StringVar(&newName, "name", "", "Name of the new entry")
	cmd.MarkFlagRequired("old-passphrase")
	cmd.MarkFlagRequired("new-passphrase")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newChangeKeyCmd() *cobra.Command {
	var oldPass, newPass, name string
	var allowMismatch bool
	cmd := &cobra.Command{
		Use:   "change-key",
		Short: "Replace an entry's passphrase wrap, preserving its groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			var namePtr *string
			if name != "" {
				namePtr = &name
			}
			if err := mgr.ChangeKey(cmd.Context(), []byte(oldPass), []byte(newPass), namePtr, allowMismatch); err != nil {
				return err
			}
			GetLogger().Infof("changed key")
			return nil
		},
	}
	cmd.Flags().StringVar(&oldPass, "old-passphrase", "", "Current passphrase")
	cmd.Flags().StringVar(&newPass, "new-passphrase", "", "New passphrase")
	cmd.Flags().StringVar(&name, "name", "", "Entry name (required when more than one entry exists)")
	cmd.Flags().BoolVar(&allowMismatch, "allow-mismatch", false, "Allow old-passphrase to match a different entry than --name")
	cmd.MarkFlagRequired("old-passphrase")
	cmd.MarkFlagRequired("new-passphrase")
	return cmd
}

func newDelKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "del-key",
		Short: "Remove an entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			if err := mgr.DelKey(cmd.Context(), name); err != nil {
				return err
			}
			GetLogger().Infof("removed entry %q", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Entry name to remove")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newListKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-keys",
		Short: "List every entry's public metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			keys, err := mgr.ListKeys(cmd.Context())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("(no entries)")
				return nil
			}
			for _, k := range keys {
				fmt.Printf("%s\talgorithm=%s\tcreated=%s\tgroups=%s\n",
					k.Name, k.Algorithm, k.Created.Format("2006-01-02T15:04:05Z"), strings.Join(k.Groups, ","))
			}
			return nil
		},
	}
	return cmd
}

func newCreateGroupCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "create-group [group...]",
		Short: "Create one or more fresh groups on the entry matching --passphrase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			if err := mgr.CreateGroup(cmd.Context(), []byte(passphrase), args); err != nil {
				return err
			}
			GetLogger().Infof("created group(s) %s", strings.Join(args, ","))
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Passphrase of the entry to grant the new group(s) to")
	cmd.MarkFlagRequired("passphrase")
	return cmd
}

func newAssocGroupCmd() *cobra.Command {
	var srcPass, dstPass string
	cmd := &cobra.Command{
		Use:   "assoc-group [group...]",
		Short: "Copy group(s) from one entry to another",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			if err := mgr.AssocGroup(cmd.Context(), []byte(srcPass), []byte(dstPass), args); err != nil {
				return err
			}
			GetLogger().Infof("associated group(s) %s", strings.Join(args, ","))
			return nil
		},
	}
	cmd.Flags().StringVar(&srcPass, "src-passphrase", "", "Passphrase of the entry that already carries the group(s)")
	cmd.Flags().StringVar(&dstPass, "dst-passphrase", "", "Passphrase of the entry to grant the group(s) to")
	cmd.MarkFlagRequired("src-passphrase")
	cmd.MarkFlagRequired("dst-passphrase")
	return cmd
}

func newDisassocGroupCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "disassoc-group [group...]",
		Short: "Remove group(s) from one entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			if err := mgr.DisassocGroup(cmd.Context(), name, args); err != nil {
				return err
			}
			GetLogger().Infof("disassociated group(s) %s from %q", strings.Join(args, ","), name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Entry name")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newDestroyGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy-group [group...]",
		Short: "Remove group(s) from every entry that carries them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			if err := mgr.DestroyGroup(cmd.Context(), args); err != nil {
				return err
			}
			GetLogger().Infof("destroyed group(s) %s", strings.Join(args, ","))
			return nil
		},
	}
	return cmd
}
