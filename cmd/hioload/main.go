// File: cmd/hioload/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Command hioload runs the completion-port echo server and a ping client.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
