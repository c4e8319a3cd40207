package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "scoutd"}

	root.AddCommand(serveCMD(), dispatchCMD(), migrateCMD())
	_ = root.Execute()
}
