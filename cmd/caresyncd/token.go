// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/carejournal/go-caresync/caresync"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id> <device-id>",
	Short: "Mint a client JWT for development and testing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("jwt-secret")
		if secret == "" {
			return fmt.Errorf("jwt-secret is required")
		}
		ttl, err := cmd.Flags().GetDuration("ttl")
		if err != nil {
			return err
		}

		token, err := caresync.NewJWTAuth(secret).GenerateToken(args[0], args[1], ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
