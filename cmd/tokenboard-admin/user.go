package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "用户管理",
	}

	var (
		email    string
		username string
		country  string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "创建用户",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var cc *string
			if c := strings.ToUpper(strings.TrimSpace(country)); c != "" {
				if len(c) != 2 {
					return fmt.Errorf("country 必须是两位国家代码: %q", country)
				}
				cc = &c
			}
			id, err := st.CreateUser(cmd.Context(), email, username, cc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user_id=%d username=%s\n", id, strings.TrimSpace(username))
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "邮箱")
	create.Flags().StringVar(&username, "username", "", "用户名")
	create.Flags().StringVar(&country, "country", "", "ISO 两位国家代码（可选）")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("username")

	cmd.AddCommand(create)
	return cmd
}
