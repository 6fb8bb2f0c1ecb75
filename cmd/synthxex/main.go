// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	synthxex "github.com/openxechain/synthxex"
)

const (
	versionString = "synthxex 0.1.0"

	libraryNotices = `synthxex
Copyright (c) 2024-25 the OpenXeChain project

This program depends on:
  github.com/edsrzf/mmap-go  (BSD-3-Clause)
  github.com/spf13/cobra     (Apache-2.0)
`
)

var (
	inPath      string
	outPath     string
	skipMachine bool
	moduleType  string
	showVersion bool
	showLibs    bool
)

func run(cmd *cobra.Command, args []string) {
	if showVersion {
		fmt.Println(versionString)
		return
	}
	if showLibs {
		fmt.Print(libraryNotices)
		return
	}

	if inPath == "" || outPath == "" {
		fmt.Fprintln(os.Stderr, "synthxex: -i and -o are required")
		os.Exit(1)
	}

	opts := synthxex.Options{SkipMachineCheck: skipMachine}
	if moduleType != "" {
		mt, err := synthxex.ParseModuleType(moduleType)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		opts.ModuleTypeOverride = mt
	}

	if err := synthxex.Build(inPath, outPath, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "synthxex",
		Short: "Converts an Xbox 360 PE into an XEX2 container",
		Long:  "synthxex rewrites an unencrypted, uncompressed Xbox 360 PE into the XEX2 container the platform loader accepts.",
		Run:   run,
	}

	rootCmd.Flags().StringVarP(&inPath, "input", "i", "", "input PE path")
	rootCmd.Flags().StringVarP(&outPath, "output", "o", "", "output XEX path")
	rootCmd.Flags().BoolVarP(&skipMachine, "skip-machine-check", "s", false, "skip the COFF machine-ID check")
	rootCmd.Flags().StringVarP(&moduleType, "type", "t", "", "module type override: title|titledll|sysdll|dll")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "print the version")
	rootCmd.Flags().BoolVarP(&showLibs, "libs", "l", false, "print third-party library notices")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
