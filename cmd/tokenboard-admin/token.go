package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tokenboard/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "提交 Token 管理",
	}
	cmd.AddCommand(newTokenIssueCmd(opts), newTokenListCmd(opts), newTokenRevokeCmd(opts))
	return cmd
}

func newTokenIssueCmd(opts *rootOptions) *cobra.Command {
	var (
		username string
		name     string
	)
	c := &cobra.Command{
		Use:   "issue",
		Short: "为用户发放新的提交 Token（明文只输出一次）",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			u, err := st.GetUserByUsername(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("查询用户 %s 失败: %w", username, err)
			}
			raw, err := auth.NewRandomToken(auth.TokenPrefix, 32)
			if err != nil {
				return err
			}
			var namePtr *string
			if n := strings.TrimSpace(name); n != "" {
				namePtr = &n
			}
			id, _, err := st.CreateUserToken(cmd.Context(), u.ID, namePtr, raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token_id=%d\ntoken=%s\n", id, raw)
			return nil
		},
	}
	c.Flags().StringVar(&username, "user", "", "用户名")
	c.Flags().StringVar(&name, "name", "", "Token 备注")
	_ = c.MarkFlagRequired("user")
	return c
}

func newTokenListCmd(opts *rootOptions) *cobra.Command {
	var username string
	c := &cobra.Command{
		Use:   "list",
		Short: "列出用户的 Token",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			u, err := st.GetUserByUsername(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("查询用户 %s 失败: %w", username, err)
			}
			tokens, err := st.ListUserTokens(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tk := range tokens {
				hint := ""
				if tk.TokenHint != nil {
					hint = *tk.TokenHint
				}
				state := "revoked"
				if tk.Status == 1 {
					state = "active"
				}
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", tk.ID, hint, state, tk.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
			}
			return nil
		},
	}
	c.Flags().StringVar(&username, "user", "", "用户名")
	_ = c.MarkFlagRequired("user")
	return c
}

func newTokenRevokeCmd(opts *rootOptions) *cobra.Command {
	var username string
	c := &cobra.Command{
		Use:   "revoke <token_id>",
		Short: "吊销 Token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || tokenID <= 0 {
				return fmt.Errorf("token_id 非法: %q", args[0])
			}
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			u, err := st.GetUserByUsername(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("查询用户 %s 失败: %w", username, err)
			}
			if err := st.RevokeUserToken(cmd.Context(), u.ID, tokenID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked token_id=%d\n", tokenID)
			return nil
		},
	}
	c.Flags().StringVar(&username, "user", "", "用户名")
	_ = c.MarkFlagRequired("user")
	return c
}
