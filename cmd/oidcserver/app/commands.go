// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line interface of the demo authorization
// server.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "oidcserver",
	DisableAutoGenTag: true,
	Short:             "An embeddable OpenID Connect authorization server",
	Long: `oidcserver hosts the authorization server middleware behind a minimal
login page, for local development and interoperability testing. Clients are
registered through flags; tokens are signed with an ephemeral key generated
at startup.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command of the demo server.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
